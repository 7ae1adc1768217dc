package tiernet

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Flow is one installed sensor-to-compute stream of the sectioned family.
// Target is the compute node, Source the sensor node.
type Flow struct {
	Target int    `json:"target" yaml:"target"`
	Source int    `json:"source" yaml:"source"`
	Class  string `json:"class" yaml:"class"`
}

// Name identifies the flow in logs
func (fl Flow) Name() string {
	return fmt.Sprintf("%s:%d->%d", fl.Class, fl.Source, fl.Target)
}

// FlowList records flows in the order they were installed
type FlowList struct {
	flows []Flow
}

// CreateFlowList is a constructor
func CreateFlowList() *FlowList {
	return &FlowList{flows: make([]Flow, 0)}
}

// Add records a flow.  A repeat of a flow already listed is reported and not added.
func (fll *FlowList) Add(target, source int, class string) (Flow, error) {
	fl := Flow{Target: target, Source: source, Class: strings.ToUpper(class)}
	if fl.Class == "" {
		return fl, errors.Wrapf(ErrInvalidConfig, "flow %d->%d has no class", source, target)
	}
	if slices.Contains(fll.flows, fl) {
		return fl, errors.Wrapf(ErrInvalidConfig, "flow %s listed twice", fl.Name())
	}
	fll.flows = append(fll.flows, fl)
	return fl, nil
}

// Flows returns the recorded flows
func (fll *FlowList) Flows() []Flow {
	return append([]Flow(nil), fll.flows...)
}

// Len is the number of recorded flows
func (fll *FlowList) Len() int {
	return len(fll.flows)
}

// Targets returns the distinct targets of one class, in first-seen order
func (fll *FlowList) Targets(class string) []int {
	targets := []int{}
	for _, fl := range fll.flows {
		if strings.EqualFold(fl.Class, class) && !slices.Contains(targets, fl.Target) {
			targets = append(targets, fl.Target)
		}
	}
	return targets
}

// WriteFlows writes one "target source CLASS" line per flow
func (fll *FlowList) WriteFlows(w io.Writer) error {
	for _, fl := range fll.flows {
		if _, err := fmt.Fprintf(w, "%d %d %s\n", fl.Target, fl.Source, fl.Class); err != nil {
			return err
		}
	}
	return nil
}

// WriteToFile stores the flow lines in the named file
func (fll *FlowList) WriteToFile(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := fll.WriteFlows(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFlows parses lines written by WriteFlows
func ReadFlows(r io.Reader) (*FlowList, error) {
	fll := CreateFlowList()
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum += 1
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, errors.Wrapf(ErrInvalidConfig, "flows line %d: want 3 fields, got %d", lineNum, len(fields))
		}
		target, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "flows line %d: %s", lineNum, err.Error())
		}
		source, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidConfig, "flows line %d: %s", lineNum, err.Error())
		}
		if _, err := fll.Add(target, source, fields[2]); err != nil {
			return nil, errors.Wrapf(err, "flows line %d", lineNum)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return fll, nil
}
