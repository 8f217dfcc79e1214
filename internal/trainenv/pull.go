package trainenv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/hochfrequenz/tune-orchestrator/internal/domain"
)

// pullDone reports whether a layer status means the layer needs no more work.
func pullDone(status string) bool {
	return status == "Pull complete" || status == "Already exists"
}

// pullImage streams the training image download, folding per-layer progress
// messages into the manager's pull snapshot.
func (m *Manager) pullImage(ctx context.Context) error {
	m.setPull(PullProgress{Status: domain.PullPulling, Message: "Initializing..."})
	m.log.WithField("image", m.cfg.Image).Info("pulling training image")

	rc, err := m.cli.ImagePull(ctx, m.cfg.Image, image.PullOptions{})
	if err != nil {
		m.failPull(err)
		return fmt.Errorf("%w: %v", ErrImagePull, err)
	}
	defer rc.Close()

	layers := make(map[string]string)
	dec := json.NewDecoder(rc)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			m.failPull(err)
			return fmt.Errorf("%w: decoding pull stream: %v", ErrImagePull, err)
		}
		if msg.Error != nil {
			m.failPull(msg.Error)
			return fmt.Errorf("%w: %s", ErrImagePull, msg.Error.Message)
		}
		if msg.ID == "" {
			continue // digest/status lines without a layer
		}

		layers[msg.ID] = msg.Status
		m.setPull(pullSnapshot(layers))
	}

	final := pullSnapshot(layers)
	final.Status = domain.PullComplete
	final.Percent = 100
	final.Message = "Image download complete"
	m.setPull(final)

	m.log.WithField("image", m.cfg.Image).Info("training image pulled")
	return nil
}

// pullSnapshot derives progress from the layer status map. Percent counts
// finished layers over distinct layers seen so far.
func pullSnapshot(layers map[string]string) PullProgress {
	completed, downloading := 0, 0
	for _, status := range layers {
		switch {
		case pullDone(status):
			completed++
		case status == "Downloading":
			downloading++
		}
	}

	p := PullProgress{
		Status:            domain.PullPulling,
		TotalLayers:       len(layers),
		CompletedLayers:   completed,
		DownloadingLayers: downloading,
		Message:           fmt.Sprintf("Downloading training image: %d/%d layers complete", completed, len(layers)),
	}
	if len(layers) > 0 {
		p.Percent = float64(completed) / float64(len(layers)) * 100
	}
	return p
}

func (m *Manager) setPull(p PullProgress) {
	m.mu.Lock()
	m.pull = p
	m.mu.Unlock()
}

func (m *Manager) failPull(err error) {
	m.mu.Lock()
	m.pull = PullProgress{Status: domain.PullError, Message: err.Error()}
	m.mu.Unlock()
}
