package trainer

import (
	"regexp"
	"strconv"
	"strings"
)

// lineUpdate is the effect of one classified output line on the run status.
// A nil loss/epoch means the line carried no such value.
type lineUpdate struct {
	progress   float64
	message    string
	step       int
	totalSteps int
	hasStep    bool
	loss       *float64
	epoch      *float64
}

// phaseMarker ties a training phase to its share of the progress bar and
// the status text shown for it.
type phaseMarker struct {
	marker   string // lowercase substring in plain-text output
	phase    string // phase name in structured events
	progress float64
	message  string
}

// Phases before the training loop fill 0.0-0.5 of the bar, the loop itself
// 0.5-0.9, and saving the rest.
var phaseMarkers = []phaseMarker{
	{"loading model", "loading_model", 0.10, "Loading model..."},
	{"lora adapters", "lora_adapters", 0.20, "Adding LoRA adapters..."},
	{"loading dataset", "loading_dataset", 0.30, "Loading dataset..."},
	{"setting up trainer", "trainer_setup", 0.40, "Setting up trainer..."},
	{"starting training", "training", 0.50, "Training in progress..."},
	{"saving model", "saving", 0.90, "Saving model..."},
}

var (
	stepPattern  = regexp.MustCompile(`(?i)step\s+(\d+)\s*/\s*(\d+)`)
	lossPattern  = regexp.MustCompile(`(?i)loss:\s*([0-9]+(?:\.[0-9]+)?(?:[eE][+-]?[0-9]+)?)`)
	epochPattern = regexp.MustCompile(`(?i)epoch:\s*([0-9]+(?:\.[0-9]+)?)`)
)

// classify inspects one line of trainer output and returns its effect on
// the run status. Lines with no status signal return nil and are kept as
// verbatim log entries. Phase markers are exclusive; step, loss and epoch
// values may all appear on the same line.
func classify(line string) *lineUpdate {
	if ev, ok := decodeEvent(line); ok {
		return eventUpdate(ev)
	}

	lower := strings.ToLower(line)
	for _, pm := range phaseMarkers {
		if strings.Contains(lower, pm.marker) {
			return &lineUpdate{progress: pm.progress, message: pm.message}
		}
	}

	var u lineUpdate
	matched := false
	if sm := stepPattern.FindStringSubmatch(line); sm != nil {
		step, _ := strconv.Atoi(sm[1])
		total, _ := strconv.Atoi(sm[2])
		u.step, u.totalSteps, u.hasStep = step, total, true
		u.progress = stepProgress(step, total)
		u.message = "Training in progress..."
		matched = true
	}
	if lm := lossPattern.FindStringSubmatch(line); lm != nil {
		if v, err := strconv.ParseFloat(lm[1], 64); err == nil {
			u.loss = &v
			matched = true
		}
	}
	if em := epochPattern.FindStringSubmatch(line); em != nil {
		if v, err := strconv.ParseFloat(em[1], 64); err == nil {
			u.epoch = &v
			matched = true
		}
	}
	if !matched {
		return nil
	}
	return &u
}

// stepProgress maps step i of n into the 0.5-0.9 training share of the
// progress bar.
func stepProgress(step, total int) float64 {
	if total <= 0 {
		return 0
	}
	return 0.5 + 0.4*(float64(step)/float64(total))
}

func eventUpdate(ev Event) *lineUpdate {
	switch ev.Event {
	case eventPhase:
		for _, pm := range phaseMarkers {
			if pm.phase == ev.Phase {
				u := &lineUpdate{progress: pm.progress, message: pm.message}
				if ev.Message != "" {
					u.message = ev.Message
				}
				return u
			}
		}
		return nil
	case eventStep:
		return &lineUpdate{
			step:       ev.Step,
			totalSteps: ev.TotalSteps,
			hasStep:    true,
			progress:   stepProgress(ev.Step, ev.TotalSteps),
			message:    "Training in progress...",
			loss:       ev.Loss,
			epoch:      ev.Epoch,
		}
	default:
		// log events carry text only
		return nil
	}
}
