package tiernet

// faults.go holds the fault injector: it picks which aggregation-compute links
// fail, draws when they fail, and schedules the down/up transitions of the
// compute-side interface through the transport.

import (
	"fmt"
	"strings"

	"github.com/iti/rngstream"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// FaultPolicy selects which failure candidates get failures injected
type FaultPolicy string

const (
	AlternatePolicy FaultPolicy = "alternate" // every other candidate, starting with the first
	AllPolicy       FaultPolicy = "all"
	NonePolicy      FaultPolicy = "none"
	RandomPolicy    FaultPolicy = "random" // each candidate independently, with probability Probability
)

// ParseFaultPolicy maps a policy name to its FaultPolicy
func ParseFaultPolicy(name string) (FaultPolicy, error) {
	policy := FaultPolicy(strings.ToLower(name))
	switch policy {
	case AlternatePolicy, AllPolicy, NonePolicy, RandomPolicy:
		return policy, nil
	case "":
		return AlternatePolicy, nil
	}
	return "", errors.Wrapf(ErrInvalidConfig, "unknown fault policy %q", name)
}

const (
	DefaultPairsPerEdge = 360
	DefaultFaultGap     = 0.1
)

// FaultConfig governs automatic failure injection
type FaultConfig struct {
	Policy       FaultPolicy `json:"policy" yaml:"policy"`
	Probability  float64     `json:"probability,omitempty" yaml:"probability,omitempty"`
	PairsPerEdge int         `json:"pairsperedge" yaml:"pairsperedge"`
	Gap          float64     `json:"gap" yaml:"gap"`
	Horizon      float64     `json:"horizon" yaml:"horizon"`
	Seed         string      `json:"seed,omitempty" yaml:"seed,omitempty"` // name of the rngstream drawing fault times
}

// DefaultFaultConfig gives the alternate policy with 360 pairs per selected edge
func DefaultFaultConfig(horizon float64) FaultConfig {
	return FaultConfig{Policy: AlternatePolicy, PairsPerEdge: DefaultPairsPerEdge,
		Gap: DefaultFaultGap, Horizon: horizon}
}

// Validate checks the fault settings
func (fc FaultConfig) Validate() error {
	errs := []error{}
	if _, err := ParseFaultPolicy(string(fc.Policy)); err != nil {
		errs = append(errs, err)
	}
	if fc.Policy == RandomPolicy && (fc.Probability < 0 || fc.Probability > 1) {
		errs = append(errs, errors.Errorf("fault probability %g outside [0,1]", fc.Probability))
	}
	if fc.PairsPerEdge < 0 {
		errs = append(errs, errors.Errorf("negative pairs per edge"))
	}
	if fc.Gap <= 0 {
		errs = append(errs, errors.Errorf("fault gap must be positive"))
	}
	if fc.Policy != NonePolicy && fc.PairsPerEdge > 0 && fc.Horizon < 2 {
		errs = append(errs, errors.Errorf("horizon %g leaves no whole second to fail a link in", fc.Horizon))
	}
	if err := ReportErrs(errs); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "fault config: %s", err.Error())
	}
	return nil
}

// LinkFailure takes one interface down at Down and back up at Up
type LinkFailure struct {
	Node   int
	Intrfc int
	Down   float64
	Up     float64
	Label  string
}

// TransitionObserver is told of every interface state change the injector makes
type TransitionObserver interface {
	OnTransition(node, intrfc int, up bool)
}

// FaultInjector schedules interface transitions
type FaultInjector struct {
	sched    Scheduler
	net      Transport
	cfg      FaultConfig
	rng      *rngstream.RngStream
	observer TransitionObserver
	onErr    func(error)

	failures []LinkFailure
	downs    int
	ups      int
}

// CreateFaultInjector is a constructor
func CreateFaultInjector(sched Scheduler, net Transport, cfg FaultConfig) (*FaultInjector, error) {
	if sched == nil || net == nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "fault injector needs a scheduler and a transport")
	}
	if cfg.Policy == "" {
		cfg.Policy = AlternatePolicy
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == "" {
		seed = "faults"
	}
	fi := new(FaultInjector)
	fi.sched = sched
	fi.net = net
	fi.cfg = cfg
	fi.rng = rngstream.New(seed)
	fi.failures = make([]LinkFailure, 0)
	return fi, nil
}

// SetObserver registers the receiver of transition notices
func (fi *FaultInjector) SetObserver(obs TransitionObserver) {
	fi.observer = obs
}

// OnError registers what to do when a scheduled transition fails to apply
func (fi *FaultInjector) OnError(fn func(error)) {
	fi.onErr = fn
}

// Selected applies the policy to the candidate list and returns the chosen ones, in order
func (fi *FaultInjector) Selected(cands []FailureCandidate) []FailureCandidate {
	chosen := []FailureCandidate{}
	for idx, cand := range cands {
		pick := false
		switch fi.cfg.Policy {
		case AlternatePolicy:
			pick = idx%2 == 0
		case AllPolicy:
			pick = true
		case RandomPolicy:
			pick = fi.rng.RandU01() < fi.cfg.Probability
		}
		if pick {
			chosen = append(chosen, cand)
		}
	}
	return chosen
}

// Plan draws PairsPerEdge failures for every selected candidate.  Down times are
// whole seconds in [1, horizon-1]; each interface comes back Gap seconds later.
func (fi *FaultInjector) Plan(cands []FailureCandidate) []LinkFailure {
	plan := []LinkFailure{}
	last := int(fi.cfg.Horizon) - 1
	for _, cand := range fi.Selected(cands) {
		for pair := 0; pair < fi.cfg.PairsPerEdge; pair++ {
			down := float64(fi.rng.RandInt(1, last))
			plan = append(plan, LinkFailure{Node: cand.Node, Intrfc: cand.Intrfc,
				Down: down, Up: down + fi.cfg.Gap, Label: fmt.Sprintf("edge%d", cand.Edge)})
		}
	}
	return plan
}

// InjectCandidates plans and schedules failures for the candidates, returning the number scheduled
func (fi *FaultInjector) InjectCandidates(cands []FailureCandidate) (int, error) {
	plan := fi.Plan(cands)
	for _, lf := range plan {
		if err := fi.Schedule(lf); err != nil {
			return 0, err
		}
	}
	logger.WithFields(logrus.Fields{
		"policy":     fi.cfg.Policy,
		"candidates": len(cands),
		"failures":   len(plan),
	}).Info("link failures scheduled")
	return len(plan), nil
}

// Validate checks the failure window
func (lf LinkFailure) Validate() error {
	if lf.Down < 0 || lf.Up <= lf.Down {
		return errors.Wrapf(ErrInvalidConfig, "link failure %s needs 0 <= down < up, got down %g up %g",
			lf.Label, lf.Down, lf.Up)
	}
	return nil
}

// Schedule queues the down and up transitions of one failure.  Both are one-shot.
// An inverted or past window is refused, as is an interface the network
// does not have.
func (fi *FaultInjector) Schedule(lf LinkFailure) error {
	if err := lf.Validate(); err != nil {
		return err
	}
	now := fi.sched.Now()
	if lf.Down < now {
		return errors.Wrapf(ErrInvalidConfig, "link failure %s goes down at %g, before now %g", lf.Label, lf.Down, now)
	}
	if _, err := fi.net.IntrfcUp(lf.Node, lf.Intrfc); err != nil {
		return errors.Wrapf(err, "link failure %s", lf.Label)
	}
	fi.failures = append(fi.failures, lf)
	fi.sched.Schedule(lf.Down-now, func() { fi.transition(lf, false) })
	fi.sched.Schedule(lf.Up-now, func() { fi.transition(lf, true) })
	return nil
}

func (fi *FaultInjector) transition(lf LinkFailure, up bool) {
	var err error
	if up {
		err = fi.net.SetInterfaceUp(lf.Node, lf.Intrfc)
	} else {
		err = fi.net.SetInterfaceDown(lf.Node, lf.Intrfc)
	}
	if err != nil {
		err = errors.Wrapf(err, "link failure %s", lf.Label)
		if fi.onErr != nil {
			fi.onErr(err)
		} else {
			logger.WithError(err).Error("link transition failed")
		}
		return
	}
	if up {
		fi.ups += 1
	} else {
		fi.downs += 1
	}
	logger.WithFields(logrus.Fields{
		"node":   lf.Node,
		"intrfc": lf.Intrfc,
		"up":     up,
		"time":   fi.sched.Now(),
	}).Debug("link transition")
	if fi.observer != nil {
		fi.observer.OnTransition(lf.Node, lf.Intrfc, up)
	}
}

// Failures returns every failure scheduled so far
func (fi *FaultInjector) Failures() []LinkFailure {
	return append([]LinkFailure(nil), fi.failures...)
}

// Transitions returns the number of down and up transitions applied
func (fi *FaultInjector) Transitions() (int, int) {
	return fi.downs, fi.ups
}
