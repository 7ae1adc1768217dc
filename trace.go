package tiernet

// trace.go gathers the send and receive records of a run and writes them out,
// either as the comma-separated trace log or as a yaml/json dictionary.  Which
// events get recorded, and under what name, is decided by a family-specific Namer.

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	SentEvt = "sent"
	RecvEvt = "recv"
)

// TraceHeader is the first line of a trace log
const TraceHeader = "nodeid, event, name, payloadsize, time"

// TraceRecord is one line of the trace log
type TraceRecord struct {
	NodeID      int     `json:"nodeid" yaml:"nodeid"`
	Event       string  `json:"event" yaml:"event"`
	Name        string  `json:"name" yaml:"name"`
	PayloadSize int     `json:"payloadsize" yaml:"payloadsize"`
	Time        float64 `json:"time" yaml:"time"`
}

// NameType is an entry in a dictionary created for a trace
// that maps node id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// Namer decides whether an event is traced and under which logical name.
// An error means an address could not be resolved and the run cannot be traced correctly.
type Namer interface {
	SentName(ev SentEvent) (string, bool, error)
	RecvName(ev ReceivedEvent) (string, bool, error)
}

// TraceManager is an EventSink that gathers TraceRecords
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// identifies this run among others of the same experiment
	RunID string `json:"runid" yaml:"runid"`

	// text name associated with each node id
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records, in the order they were made
	Records []TraceRecord `json:"records" yaml:"records"`

	namer Namer
	onErr func(error)
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active, so calls to it can
// stay in place while tracing is switched off.
func CreateTraceManager(expName string, active bool, namer Namer) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.RunID = uuid.NewString()
	tm.NameByID = make(map[int]NameType)
	tm.Records = make([]TraceRecord, 0)
	tm.namer = namer
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// OnError registers what to do when a traced event cannot be named
func (tm *TraceManager) OnError(fn func(error)) {
	tm.onErr = fn
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) error {
	if !tm.InUse {
		return nil
	}
	if _, present := tm.NameByID[id]; present {
		return errors.Errorf("duplicated id %d in trace names", id)
	}
	tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	return nil
}

// AddTrace stores a record
func (tm *TraceManager) AddTrace(rec TraceRecord) {
	if !tm.InUse {
		return
	}
	tm.Records = append(tm.Records, rec)
}

func (tm *TraceManager) failed(err error) {
	if tm.onErr != nil {
		tm.onErr(err)
		return
	}
	logger.WithError(err).WithField("run", tm.RunID).Error("trace naming failed")
}

// OnSent records a send the namer wants traced.  Names are resolved even when
// the manager is not in use, so an unmapped address is reported either way.
func (tm *TraceManager) OnSent(ev SentEvent) {
	if tm.namer == nil {
		return
	}
	name, traced, err := tm.namer.SentName(ev)
	if err != nil {
		tm.failed(err)
		return
	}
	if traced {
		tm.AddTrace(TraceRecord{NodeID: ev.NodeID, Event: SentEvt, Name: name,
			PayloadSize: ev.Packet.Payload, Time: ev.Time})
	}
}

// OnReceived records a receive the namer wants traced
func (tm *TraceManager) OnReceived(ev ReceivedEvent) {
	if tm.namer == nil {
		return
	}
	name, traced, err := tm.namer.RecvName(ev)
	if err != nil {
		tm.failed(err)
		return
	}
	if traced {
		tm.AddTrace(TraceRecord{NodeID: ev.NodeID, Event: RecvEvt, Name: name,
			PayloadSize: ev.Packet.Payload, Time: ev.Time})
	}
}

// WriteCSV writes the header line and one line per record, times with nine decimals
func (tm *TraceManager) WriteCSV(w io.Writer) error {
	return WriteTraceCSV(w, tm.Records)
}

// WriteTraceCSV writes records in the trace log format
func WriteTraceCSV(w io.Writer, records []TraceRecord) error {
	if _, err := fmt.Fprintln(w, TraceHeader); err != nil {
		return err
	}
	for _, rec := range records {
		if _, err := fmt.Fprintf(w, "%d, %s, %s, %d, %.9f\n",
			rec.NodeID, rec.Event, rec.Name, rec.PayloadSize, rec.Time); err != nil {
			return err
		}
	}
	return nil
}

// WriteToFile stores the trace to the file whose name is given. A .csv extension
// selects the trace log format, .yaml/.yml or .json a dictionary of the whole
// manager.  With globalOrder the records are sorted by time first.
func (tm *TraceManager) WriteToFile(filename string, globalOrder bool) error {
	if !tm.InUse {
		return nil
	}
	out := tm
	if globalOrder {
		out = new(TraceManager)
		*out = *tm
		out.Records = make([]TraceRecord, len(tm.Records))
		copy(out.Records, tm.Records)
		sort.SliceStable(out.Records, func(i, j int) bool {
			return out.Records[i].Time < out.Records[j].Time
		})
	}

	ext := strings.ToLower(path.Ext(filename))
	if ext != ".csv" {
		return writeDict(filename, out)
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := out.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadTraceCSV parses a trace log
func ReadTraceCSV(r io.Reader) ([]TraceRecord, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = 5
	reader.Comment = '#'

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "trace log")
	}
	records := make([]TraceRecord, 0, len(rows))
	for idx, row := range rows {
		if idx == 0 && row[0] == "nodeid" {
			continue
		}
		rec := TraceRecord{Event: row[1], Name: row[2]}
		if rec.NodeID, err = strconv.Atoi(row[0]); err != nil {
			return nil, errors.Wrapf(err, "trace log row %d", idx+1)
		}
		if rec.PayloadSize, err = strconv.Atoi(row[3]); err != nil {
			return nil, errors.Wrapf(err, "trace log row %d", idx+1)
		}
		if rec.Time, err = strconv.ParseFloat(row[4], 64); err != nil {
			return nil, errors.Wrapf(err, "trace log row %d", idx+1)
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReadTraceFile parses the trace log in the named file
func ReadTraceFile(filename string) ([]TraceRecord, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTraceCSV(f)
}

// TieredNamer names the traffic of the tiered family
type TieredNamer struct {
	Topo  *TopologyContext
	Ports PortMap
}

func (tn *TieredNamer) SentName(ev SentEvent) (string, bool, error) {
	seq := ev.Packet.Header
	switch ev.Role {
	case SensorRole:
		if IsSubscribe(seq) {
			return "", false, nil
		}
		switch ev.Dest.Port() {
		case tn.Ports.Urgent:
			return fmt.Sprintf("/urgent/com/error/phy%d/%d", ev.NodeID, seq), true, nil
		case tn.Ports.PMU:
			return fmt.Sprintf("/direct/agg/pmu/phy%d/%d", ev.NodeID, seq), true, nil
		case tn.Ports.AMI:
			return fmt.Sprintf("/direct/agg/ami/phy%d/%d", ev.NodeID, seq), true, nil
		}
	case AggregatorRole:
		switch ev.Dest.Port() {
		case tn.Ports.PMU:
			return fmt.Sprintf("/direct/com/pmu/agg%d/%d", ev.NodeID, seq), true, nil
		case tn.Ports.AMI:
			return fmt.Sprintf("/direct/com/ami/agg%d/%d", ev.NodeID, seq), true, nil
		}
	case ComputeRole:
		// only demand-response chunks; acks and replies are not traced
		if ev.LocalPort == tn.Ports.Subscribe {
			return "/overlay/com/subscription/0", true, nil
		}
	}
	return "", false, nil
}

func (tn *TieredNamer) RecvName(ev ReceivedEvent) (string, bool, error) {
	switch ev.Role {
	case SensorRole:
		if ev.Source.Port() == tn.Ports.Subscribe {
			return "/overlay/com/subscription/0", true, nil
		}
	case AggregatorRole:
		var class string
		switch ev.LocalPort {
		case tn.Ports.PMU:
			class = "pmu"
		case tn.Ports.AMI:
			class = "ami"
		default:
			return "", false, nil
		}
		src, err := tn.Topo.NodeFromAddr(ev.Source.Addr())
		if err != nil {
			return "", false, err
		}
		return fmt.Sprintf("/direct/agg/%s/phy%d/%d", class, src, ev.LastSeq), true, nil
	case ComputeRole:
		if IsSubscribe(ev.Packet.Header) {
			return "", false, nil
		}
		var prefix string
		switch ev.LocalPort {
		case tn.Ports.Urgent:
			prefix = "/urgent/com/error/phy"
		case tn.Ports.PMU:
			prefix = "/direct/com/pmu/agg"
		case tn.Ports.AMI:
			prefix = "/direct/com/ami/agg"
		default:
			return "", false, nil
		}
		src, err := tn.Topo.NodeFromAddr(ev.Source.Addr())
		if err != nil {
			return "", false, err
		}
		return fmt.Sprintf("%s%d/%d", prefix, src, ev.Packet.Header), true, nil
	}
	return "", false, nil
}

// SectionedNamer names the traffic of the sectioned family
type SectionedNamer struct {
	Topo  *TopologyContext
	Ports PortMap
}

func (sn *SectionedNamer) class(port uint16) string {
	switch port {
	case sn.Ports.WAC:
		return "wac"
	case sn.Ports.PDC:
		return "pdc"
	case sn.Ports.Background:
		return "bgd"
	}
	return ""
}

func (sn *SectionedNamer) SentName(ev SentEvent) (string, bool, error) {
	if ev.Role != SensorRole || IsSubscribe(ev.Packet.Header) {
		return "", false, nil
	}
	seq := ev.Packet.Header
	if class := sn.class(ev.Dest.Port()); class != "" {
		dst, err := sn.Topo.NodeFromAddr(ev.Dest.Addr())
		if err != nil {
			return "", false, err
		}
		return fmt.Sprintf("/power/%s/phy%d/%s/%d/%d", class, ev.NodeID, ev.Dest.Addr(), dst, seq), true, nil
	}
	if ev.Dest.Port() == sn.Ports.AMI {
		return fmt.Sprintf("/direct/agg/ami/phy%d/%d", ev.NodeID, seq), true, nil
	}
	return "", false, nil
}

func (sn *SectionedNamer) RecvName(ev ReceivedEvent) (string, bool, error) {
	if ev.Role != ComputeRole || IsSubscribe(ev.Packet.Header) {
		return "", false, nil
	}
	seq := ev.Packet.Header
	if class := sn.class(ev.LocalPort); class != "" {
		src, err := sn.Topo.NodeFromAddr(ev.Source.Addr())
		if err != nil {
			return "", false, err
		}
		return fmt.Sprintf("/power/%s/phy%d/%s/%d/%d", class, src, ev.LocalAddr, ev.NodeID, seq), true, nil
	}
	if ev.LocalPort == sn.Ports.AMI {
		src, err := sn.Topo.NodeFromAddr(ev.Source.Addr())
		if err != nil {
			return "", false, err
		}
		return fmt.Sprintf("/direct/com/ami/agg%d/%d", src, seq), true, nil
	}
	return "", false, nil
}
