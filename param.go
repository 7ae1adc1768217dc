package tiernet

// param.go holds the experiment configuration: which scenario family to build,
// where its inputs are, the parameter profiles of every traffic class, fault
// settings, and output files.  Individual profile values can be overridden by
// attribute-matched ExpParameters, applied from most general to most specific.

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// Family names a scenario family
type Family string

const (
	TieredFamily    Family = "tiered"
	SectionedFamily Family = "sectioned"
)

// traffic class names; they key the profile maps
const (
	UrgentClass    = "urgent"
	PMUClass       = "pmu"
	AMIClass       = "ami"
	SubscribeClass = "subscribe"
	PDCClass       = "pdc"
	WACClass       = "wac"
	BgdClass       = "bgd"
)

// PortMap gives the UDP port of each traffic class
type PortMap struct {
	Urgent     uint16 `json:"urgent" yaml:"urgent"`
	PMU        uint16 `json:"pmu" yaml:"pmu"`
	AMI        uint16 `json:"ami" yaml:"ami"`
	Subscribe  uint16 `json:"subscribe" yaml:"subscribe"`
	WAC        uint16 `json:"wac" yaml:"wac"`
	PDC        uint16 `json:"pdc" yaml:"pdc"`
	Background uint16 `json:"background" yaml:"background"`
}

// DefaultPortMap is the port plan both families share
func DefaultPortMap() PortMap {
	return PortMap{Urgent: 5000, PMU: 6000, AMI: 7000, Subscribe: 8000, WAC: 5000, PDC: 6000, Background: 1000}
}

// SensorProfile parameterizes the sensors of one traffic class.  When OffsetMax
// exceeds Offset, each sensor draws its offset uniformly from the multiples of
// OffsetStep in [Offset, OffsetMax].
type SensorProfile struct {
	PacketSize   int     `json:"packetsize" yaml:"packetsize"`
	Interval     float64 `json:"interval" yaml:"interval"`
	Offset       float64 `json:"offset" yaml:"offset"`
	OffsetMax    float64 `json:"offsetmax,omitempty" yaml:"offsetmax,omitempty"`
	OffsetStep   float64 `json:"offsetstep,omitempty" yaml:"offsetstep,omitempty"`
	Subscription uint32  `json:"subscription" yaml:"subscription"`
}

// AggregatorProfile parameterizes the aggregators of one traffic class; offsets draw as for sensors
type AggregatorProfile struct {
	FlushInterval float64 `json:"flushinterval" yaml:"flushinterval"`
	Offset        float64 `json:"offset" yaml:"offset"`
	OffsetMax     float64 `json:"offsetmax,omitempty" yaml:"offsetmax,omitempty"`
	OffsetStep    float64 `json:"offsetstep,omitempty" yaml:"offsetstep,omitempty"`
}

// ComputeProfile parameterizes the compute endpoints of one traffic class
type ComputeProfile struct {
	Frequency  float64 `json:"frequency" yaml:"frequency"`
	ChunkCount int     `json:"chunkcount" yaml:"chunkcount"`
	ChunkSize  int     `json:"chunksize" yaml:"chunksize"`
	ChunkGap   float64 `json:"chunkgap" yaml:"chunkgap"`
	AckSize    int     `json:"acksize" yaml:"acksize"`
}

func defaultComputeProfile(freq float64) ComputeProfile {
	return ComputeProfile{Frequency: freq, ChunkCount: DefaultChunkCount, ChunkSize: DefaultChunkSize,
		ChunkGap: DefaultChunkGap, AckSize: DefaultAckSize}
}

// config gives the ComputeConfig of an endpoint listening on port
func (cp ComputeProfile) config(port uint16) ComputeConfig {
	return ComputeConfig{LocalPort: port, Frequency: cp.Frequency, ChunkCount: cp.ChunkCount,
		ChunkSize: cp.ChunkSize, ChunkGap: cp.ChunkGap, AckSize: cp.AckSize}
}

// AttrbStruct holds the name of an attribute and a value for it
type AttrbStruct struct {
	AttrbName  string `json:"attrbname" yaml:"attrbname"`
	AttrbValue string `json:"attrbvalue" yaml:"attrbvalue"`
}

// ExpParameter overrides one profile value.  ParamObj is "Sensor", "Aggregator",
// "Compute", "Fault" or "Network"; an attribute {"class", <name>} limits it to
// one traffic class, a wildcard attribute {"*", ""} or no attribute at all
// applies it to every class.
type ExpParameter struct {
	ParamObj   string        `json:"paramObj" yaml:"paramObj"`
	Attributes []AttrbStruct `json:"attributes" yaml:"attributes"`
	Param      string        `json:"param" yaml:"param"`
	Value      string        `json:"value" yaml:"value"`
}

// expParams lists the parameters each parameter object accepts
var expParams = map[string][]string{
	"Sensor":     {"packetsize", "interval", "offset", "offsetmax", "offsetstep", "subscription"},
	"Aggregator": {"flushinterval", "offset", "offsetmax", "offsetstep"},
	"Compute":    {"frequency", "chunkcount", "chunksize", "chunkgap", "acksize"},
	"Fault":      {"policy", "probability", "pairsperedge", "gap"},
	"Network":    {"queuelimit"},
}

// CreateExpParameter is a constructor
func CreateExpParameter(paramObj string, attributes []AttrbStruct, param, value string) *ExpParameter {
	return &ExpParameter{ParamObj: paramObj, Attributes: attributes, Param: param, Value: value}
}

// Validate checks that the object and parameter are known and the attributes usable
func (epp *ExpParameter) Validate() error {
	params, present := expParams[epp.ParamObj]
	if !present {
		return errors.Wrapf(ErrInvalidConfig, "unknown parameter object %q", epp.ParamObj)
	}
	if !slices.Contains(params, strings.ToLower(epp.Param)) {
		return errors.Wrapf(ErrInvalidConfig, "parameter %q not allowed for %s", epp.Param, epp.ParamObj)
	}
	for _, attrb := range epp.Attributes {
		if attrb.AttrbName != "class" && attrb.AttrbName != "*" {
			return errors.Wrapf(ErrInvalidConfig, "attribute %q not allowed for %s", attrb.AttrbName, epp.ParamObj)
		}
	}
	return nil
}

// specificity counts the non-wildcard attributes
func (epp *ExpParameter) specificity() int {
	count := 0
	for _, attrb := range epp.Attributes {
		if attrb.AttrbName != "*" {
			count += 1
		}
	}
	return count
}

// matches reports whether the parameter applies to the named class
func (epp *ExpParameter) matches(class string) bool {
	for _, attrb := range epp.Attributes {
		if attrb.AttrbName == "class" && !strings.EqualFold(attrb.AttrbValue, class) {
			return false
		}
	}
	return true
}

// ExpCfg is the complete description of one experiment
type ExpCfg struct {
	Name   string `json:"expname" yaml:"expname"`
	Family Family `json:"family" yaml:"family"`

	NodesFile string `json:"nodesfile,omitempty" yaml:"nodesfile,omitempty"`
	EdgesFile string `json:"edgesfile,omitempty" yaml:"edgesfile,omitempty"`
	CaseFile  string `json:"casefile,omitempty" yaml:"casefile,omitempty"`

	Horizon    float64 `json:"horizon" yaml:"horizon"`
	NumPMUs    int     `json:"numpmus" yaml:"numpmus"`
	QueueLimit int     `json:"queuelimit" yaml:"queuelimit"`
	Ports      PortMap `json:"ports" yaml:"ports"`

	Sensors     map[string]SensorProfile     `json:"sensors" yaml:"sensors"`
	Aggregators map[string]AggregatorProfile `json:"aggregators" yaml:"aggregators"`
	Computes    map[string]ComputeProfile    `json:"computes" yaml:"computes"`

	Faults FaultConfig `json:"faults" yaml:"faults"`

	TraceFile   string `json:"tracefile,omitempty" yaml:"tracefile,omitempty"`
	FlowsFile   string `json:"flowsfile,omitempty" yaml:"flowsfile,omitempty"`
	MetricsFile string `json:"metricsfile,omitempty" yaml:"metricsfile,omitempty"`

	// Parameters is a list of overrides applied to the profiles by ApplyParameters
	Parameters []ExpParameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// CreateExpCfg is a constructor. Saves the offered Name and initializes the profile maps.
func CreateExpCfg(name string, family Family) *ExpCfg {
	excfg := &ExpCfg{Name: name, Family: family, QueueLimit: DefaultQueueLimit, Ports: DefaultPortMap()}
	excfg.Sensors = make(map[string]SensorProfile)
	excfg.Aggregators = make(map[string]AggregatorProfile)
	excfg.Computes = make(map[string]ComputeProfile)
	excfg.Parameters = make([]ExpParameter, 0)
	return excfg
}

// DefaultExpCfg returns the reference settings of a scenario family
func DefaultExpCfg(family Family) (*ExpCfg, error) {
	switch family {
	case TieredFamily:
		excfg := CreateExpCfg("tiered", TieredFamily)
		excfg.NodesFile = "nodes.txt"
		excfg.EdgesFile = "edges.txt"
		excfg.Horizon = 3600
		excfg.NumPMUs = 20
		excfg.Sensors[UrgentClass] = SensorProfile{PacketSize: 60, Interval: 360, Offset: 1, OffsetMax: 91, OffsetStep: 1}
		excfg.Sensors[PMUClass] = SensorProfile{PacketSize: 90, Interval: 0.016}
		excfg.Sensors[AMIClass] = SensorProfile{PacketSize: 60, Interval: 6}
		excfg.Sensors[SubscribeClass] = SensorProfile{Interval: 900000, Subscription: HdrSoftSub}
		excfg.Aggregators[PMUClass] = AggregatorProfile{FlushInterval: 0.016}
		excfg.Aggregators[AMIClass] = AggregatorProfile{FlushInterval: 6, Offset: 0.1, OffsetMax: 0.999, OffsetStep: 0.001}
		excfg.Computes[UrgentClass] = defaultComputeProfile(0)
		excfg.Computes[PMUClass] = defaultComputeProfile(0)
		excfg.Computes[AMIClass] = defaultComputeProfile(0)
		excfg.Computes[SubscribeClass] = defaultComputeProfile(600)
		excfg.Faults = DefaultFaultConfig(excfg.Horizon)
		excfg.TraceFile = "tiered-trace.csv"
		return excfg, nil

	case SectionedFamily:
		excfg := CreateExpCfg("sectioned", SectionedFamily)
		excfg.CaseFile = "case.txt"
		excfg.Horizon = 5
		excfg.Sensors[PDCClass] = SensorProfile{PacketSize: 200, Interval: 0.02}
		excfg.Sensors[WACClass] = SensorProfile{PacketSize: 200, Interval: 0.02}
		excfg.Sensors[BgdClass] = SensorProfile{PacketSize: 1024, Interval: 0.001}
		excfg.Computes[PDCClass] = defaultComputeProfile(0)
		excfg.Computes[WACClass] = defaultComputeProfile(0)
		excfg.Computes[BgdClass] = defaultComputeProfile(0)
		excfg.Faults = DefaultFaultConfig(excfg.Horizon)
		excfg.Faults.Policy = NonePolicy
		excfg.TraceFile = "sectioned-trace.csv"
		excfg.FlowsFile = "flows.txt"
		return excfg, nil
	}
	return nil, errors.Wrapf(ErrInvalidConfig, "unknown scenario family %q", family)
}

// AddParameter accepts the four values in an ExpParameter, creates one, and adds it to the ExpCfg's list
func (excfg *ExpCfg) AddParameter(paramObj string, attributes []AttrbStruct, param, value string) error {
	exparam := CreateExpParameter(paramObj, attributes, param, value)
	if err := exparam.Validate(); err != nil {
		return err
	}
	excfg.Parameters = append(excfg.Parameters, *exparam)
	return nil
}

// ApplyParameters folds the parameter list into the profiles.  Wildcard parameters
// are applied before class-specific ones, so the specific value wins.
func (excfg *ExpCfg) ApplyParameters() error {
	order := make([]ExpParameter, len(excfg.Parameters))
	copy(order, excfg.Parameters)
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].specificity() < order[j].specificity()
	})

	errs := []error{}
	for idx := range order {
		exparam := &order[idx]
		if err := exparam.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := excfg.applyParameter(exparam); err != nil {
			errs = append(errs, errors.Wrapf(err, "%s %s=%q", exparam.ParamObj, exparam.Param, exparam.Value))
		}
	}
	if err := ReportErrs(errs); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "%s", err.Error())
	}
	return nil
}

func (excfg *ExpCfg) applyParameter(exparam *ExpParameter) error {
	param := strings.ToLower(exparam.Param)
	value := exparam.Value

	switch exparam.ParamObj {
	case "Sensor":
		for class, prof := range excfg.Sensors {
			if !exparam.matches(class) {
				continue
			}
			var err error
			switch param {
			case "packetsize":
				prof.PacketSize, err = strconv.Atoi(value)
			case "interval":
				prof.Interval, err = strconv.ParseFloat(value, 64)
			case "offset":
				prof.Offset, err = strconv.ParseFloat(value, 64)
			case "offsetmax":
				prof.OffsetMax, err = strconv.ParseFloat(value, 64)
			case "offsetstep":
				prof.OffsetStep, err = strconv.ParseFloat(value, 64)
			case "subscription":
				var code uint64
				code, err = strconv.ParseUint(value, 10, 32)
				prof.Subscription = uint32(code)
			}
			if err != nil {
				return err
			}
			excfg.Sensors[class] = prof
		}

	case "Aggregator":
		for class, prof := range excfg.Aggregators {
			if !exparam.matches(class) {
				continue
			}
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return err
			}
			switch param {
			case "flushinterval":
				prof.FlushInterval = v
			case "offset":
				prof.Offset = v
			case "offsetmax":
				prof.OffsetMax = v
			case "offsetstep":
				prof.OffsetStep = v
			}
			excfg.Aggregators[class] = prof
		}

	case "Compute":
		for class, prof := range excfg.Computes {
			if !exparam.matches(class) {
				continue
			}
			var err error
			switch param {
			case "frequency":
				prof.Frequency, err = strconv.ParseFloat(value, 64)
			case "chunkcount":
				prof.ChunkCount, err = strconv.Atoi(value)
			case "chunksize":
				prof.ChunkSize, err = strconv.Atoi(value)
			case "chunkgap":
				prof.ChunkGap, err = strconv.ParseFloat(value, 64)
			case "acksize":
				prof.AckSize, err = strconv.Atoi(value)
			}
			if err != nil {
				return err
			}
			excfg.Computes[class] = prof
		}

	case "Fault":
		var err error
		switch param {
		case "policy":
			excfg.Faults.Policy, err = ParseFaultPolicy(value)
		case "probability":
			excfg.Faults.Probability, err = strconv.ParseFloat(value, 64)
		case "pairsperedge":
			excfg.Faults.PairsPerEdge, err = strconv.Atoi(value)
		case "gap":
			excfg.Faults.Gap, err = strconv.ParseFloat(value, 64)
		}
		return err

	case "Network":
		var err error
		excfg.QueueLimit, err = strconv.Atoi(value)
		return err
	}
	return nil
}

// requiredClasses lists the profiles each family's builder reads
var requiredClasses = map[Family]struct{ sensors, aggregators, computes []string }{
	TieredFamily: {
		sensors:     []string{UrgentClass, PMUClass, AMIClass, SubscribeClass},
		aggregators: []string{AMIClass, PMUClass},
		computes:    []string{UrgentClass, PMUClass, AMIClass, SubscribeClass},
	},
	SectionedFamily: {
		sensors:  []string{PDCClass, WACClass, BgdClass},
		computes: []string{PDCClass, WACClass, BgdClass},
	},
}

// Validate checks that the configuration describes a runnable experiment
func (excfg *ExpCfg) Validate() error {
	errs := []error{}
	required, present := requiredClasses[excfg.Family]
	if !present {
		return errors.Wrapf(ErrInvalidConfig, "unknown scenario family %q", excfg.Family)
	}
	switch excfg.Family {
	case TieredFamily:
		if excfg.NodesFile == "" || excfg.EdgesFile == "" {
			errs = append(errs, errors.New("tiered family needs a nodes file and an edges file"))
		}
		if excfg.NumPMUs < 0 {
			errs = append(errs, errors.New("negative number of PMUs"))
		}
	case SectionedFamily:
		if excfg.CaseFile == "" {
			errs = append(errs, errors.New("sectioned family needs a case file"))
		}
	}
	if !(excfg.Horizon > 0) {
		errs = append(errs, errors.Errorf("horizon %g must be positive", excfg.Horizon))
	}
	if excfg.QueueLimit < 1 {
		errs = append(errs, errors.Errorf("queue limit %d must be at least 1", excfg.QueueLimit))
	}
	for _, class := range required.sensors {
		prof, present := excfg.Sensors[class]
		if !present {
			errs = append(errs, errors.Errorf("no sensor profile for class %s", class))
			continue
		}
		if prof.OffsetMax > prof.Offset && !(prof.OffsetStep > 0) {
			errs = append(errs, errors.Errorf("sensor class %s draws offsets but has no offset step", class))
		}
	}
	for _, class := range required.aggregators {
		prof, present := excfg.Aggregators[class]
		if !present {
			errs = append(errs, errors.Errorf("no aggregator profile for class %s", class))
			continue
		}
		if prof.OffsetMax > prof.Offset && !(prof.OffsetStep > 0) {
			errs = append(errs, errors.Errorf("aggregator class %s draws offsets but has no offset step", class))
		}
	}
	for _, class := range required.computes {
		if _, present := excfg.Computes[class]; !present {
			errs = append(errs, errors.Errorf("no compute profile for class %s", class))
		}
	}
	faults := excfg.Faults
	faults.Horizon = excfg.Horizon
	if err := faults.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := ReportErrs(errs); err != nil {
		return errors.Wrapf(ErrInvalidConfig, "experiment %s: %s", excfg.Name, err.Error())
	}
	return nil
}

// WriteToFile stores the ExpCfg struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (excfg *ExpCfg) WriteToFile(filename string) error {
	return writeDict(filename, excfg)
}

// ReadExpCfg deserializes a byte slice holding a representation of an ExpCfg struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.
func ReadExpCfg(filename string, useYAML bool, dict []byte) (*ExpCfg, error) {
	var err error
	dict, err = readDictBytes(filename, dict)
	if err != nil {
		return nil, err
	}

	example := ExpCfg{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "experiment config %s", filename)
	}
	if example.Sensors == nil {
		example.Sensors = make(map[string]SensorProfile)
	}
	if example.Aggregators == nil {
		example.Aggregators = make(map[string]AggregatorProfile)
	}
	if example.Computes == nil {
		example.Computes = make(map[string]ComputeProfile)
	}
	return &example, nil
}

// inputFiles lists the topology files the family reads
func (excfg *ExpCfg) inputFiles() []string {
	if excfg.Family == SectionedFamily {
		return []string{excfg.CaseFile}
	}
	return []string{excfg.NodesFile, excfg.EdgesFile}
}
