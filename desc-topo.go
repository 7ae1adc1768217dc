package tiernet

// file desc-topo.go holds the serializable description of a topology (nodes,
// edges, and the case-file sections that attach roles, flows, link failures and
// data injections) together with the readers that produce it from the
// plain-text inputs.

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// NodeDesc describes one node of the topology. Type is optional;
// a name prefix takes precedence over it when classifying the node.
type NodeDesc struct {
	ID   int    `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Type string `json:"type,omitempty" yaml:"type,omitempty"`
}

// EdgeDesc describes a point-to-point link.
// Type is either a free-form label or "<srcTier>-<dstTier>" (e.g. "agg-com"),
// in which case it classifies the ends the node list left open.  An empty
// SubnetBase means the subnet comes from the /30 allocator.
type EdgeDesc struct {
	Src           int     `json:"src" yaml:"src"`
	Dst           int     `json:"dst" yaml:"dst"`
	BandwidthMbps float64 `json:"bandwidthmbps" yaml:"bandwidthmbps"`
	DelayMs       float64 `json:"delayms" yaml:"delayms"`
	Type          string  `json:"type,omitempty" yaml:"type,omitempty"`
	SubnetBase    string  `json:"subnetbase,omitempty" yaml:"subnetbase,omitempty"`
	SubnetMask    string  `json:"subnetmask,omitempty" yaml:"subnetmask,omitempty"`

	// Role labels the attached (dst) end, e.g. "PDC", "WAC", "PMU"
	Role string `json:"role,omitempty" yaml:"role,omitempty"`
}

// EndTiers splits a "<src>-<dst>" edge type into its two tier labels
func (ed EdgeDesc) EndTiers() (string, string) {
	pieces := strings.Split(ed.Type, "-")
	if len(pieces) != 2 {
		return "", ""
	}
	return pieces[0], pieces[1]
}

// FlowDesc is a case-file flow: a PMU streaming to a PDC or WAC target
type FlowDesc struct {
	Target int    `json:"target" yaml:"target"`
	Source int    `json:"source" yaml:"source"`
	Class  string `json:"class" yaml:"class"`
}

// LinkFailDesc takes interface Intrfc of Node down at Down and back up at Up
type LinkFailDesc struct {
	Label  string  `json:"label" yaml:"label"`
	Node   int     `json:"node" yaml:"node"`
	Down   float64 `json:"down" yaml:"down"`
	Up     float64 `json:"up" yaml:"up"`
	Intrfc int     `json:"intrfc" yaml:"intrfc"`
}

// InjectDesc is a background stream from Source to the Class-role address of Target
type InjectDesc struct {
	Target int     `json:"target" yaml:"target"`
	Source int     `json:"source" yaml:"source"`
	Start  float64 `json:"start" yaml:"start"`
	Stop   float64 `json:"stop" yaml:"stop"`
	Class  string  `json:"class" yaml:"class"`
}

// TopoDesc is everything read from the topology inputs.
// NodeCount creates nodes 0..NodeCount-1 beyond those named in Nodes.
type TopoDesc struct {
	Name      string         `json:"name" yaml:"name"`
	NodeCount int            `json:"nodecount" yaml:"nodecount"`
	Nodes     []NodeDesc     `json:"nodes" yaml:"nodes"`
	Edges     []EdgeDesc     `json:"edges" yaml:"edges"`
	Flows     []FlowDesc     `json:"flows,omitempty" yaml:"flows,omitempty"`
	LinkFails []LinkFailDesc `json:"linkfails,omitempty" yaml:"linkfails,omitempty"`
	Injects   []InjectDesc   `json:"injects,omitempty" yaml:"injects,omitempty"`
}

// CreateTopoDesc is a constructor
func CreateTopoDesc(name string) *TopoDesc {
	td := new(TopoDesc)
	td.Name = name
	td.Nodes = make([]NodeDesc, 0)
	td.Edges = make([]EdgeDesc, 0)
	td.Flows = make([]FlowDesc, 0)
	td.LinkFails = make([]LinkFailDesc, 0)
	td.Injects = make([]InjectDesc, 0)
	return td
}

// WriteToFile stores the TopoDesc to the named file.
// Serialization to json or to yaml is selected based on the extension of this name.
func (td *TopoDesc) WriteToFile(filename string) error {
	return writeDict(filename, td)
}

// ReadTopoDesc deserializes a TopoDesc, from dict if it is non-empty and otherwise from the file
func ReadTopoDesc(filename string, useYAML bool, dict []byte) (*TopoDesc, error) {
	var err error
	dict, err = readDictBytes(filename, dict)
	if err != nil {
		return nil, err
	}
	example := TopoDesc{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "topology description %s", filename)
	}
	return &example, nil
}

// writeDict serializes dict to json or yaml, chosen by the file extension
func writeDict(filename string, dict any) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(dict)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(dict, "", "\t")
	} else {
		return errors.Errorf("output file %s needs a .yaml, .yml or .json extension", filename)
	}
	if merr != nil {
		return merr
	}

	return os.WriteFile(filename, bytes, 0644)
}

// readDictBytes returns dict when it holds something, otherwise the contents of the file
func readDictBytes(filename string, dict []byte) ([]byte, error) {
	if len(dict) > 0 {
		return dict, nil
	}
	fileInfo, err := os.Stat(filename)
	if os.IsNotExist(err) || (err == nil && fileInfo.IsDir()) {
		return nil, errors.Errorf("%s does not exist or cannot be read", filename)
	}
	return os.ReadFile(filename)
}

// UseYAML reports whether a file name's extension selects yaml
func UseYAML(filename string) bool {
	ext := path.Ext(filename)
	return ext == ".yaml" || ext == ".YAML" || ext == ".yml"
}

// lineReader walks the non-blank, non-comment lines of a text input
type lineReader struct {
	scanner *bufio.Scanner
	source  string
	lineNo  int
}

func newLineReader(r io.Reader, source string) *lineReader {
	return &lineReader{scanner: bufio.NewScanner(r), source: source}
}

// next returns the fields of the next meaningful line, or nil at the end
func (lr *lineReader) next() []string {
	for lr.scanner.Scan() {
		lr.lineNo += 1
		line := strings.TrimSpace(lr.scanner.Text())
		if len(line) == 0 || strings.HasPrefix(line, "#") {
			continue
		}
		return strings.Fields(line)
	}
	return nil
}

func (lr *lineReader) errorf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidConfig, "%s line %d: %s", lr.source, lr.lineNo, fmt.Sprintf(format, args...))
}

func (lr *lineReader) atoi(field, what string) (int, error) {
	v, err := strconv.Atoi(field)
	if err != nil {
		return 0, lr.errorf("%s %q is not an integer", what, field)
	}
	return v, nil
}

func (lr *lineReader) atof(field, what string) (float64, error) {
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, lr.errorf("%s %q is not a number", what, field)
	}
	return v, nil
}

// ParseNodes reads `id name [type]` lines
func ParseNodes(r io.Reader, source string) ([]NodeDesc, error) {
	lr := newLineReader(r, source)
	nodes := []NodeDesc{}
	for fields := lr.next(); fields != nil; fields = lr.next() {
		if len(fields) < 2 {
			return nil, lr.errorf("expected `id name [type]`")
		}
		id, err := lr.atoi(fields[0], "node id")
		if err != nil {
			return nil, err
		}
		nd := NodeDesc{ID: id, Name: fields[1]}
		if len(fields) > 2 {
			nd.Type = fields[2]
		}
		nodes = append(nodes, nd)
	}
	return nodes, lr.scanner.Err()
}

// ParseEdges reads `src dst bwMbps delayMs [type] [subnet mask]` lines.
// A fifth column that parses as an IPv4 address is taken as the subnet base.
func ParseEdges(r io.Reader, source string) ([]EdgeDesc, error) {
	lr := newLineReader(r, source)
	edges := []EdgeDesc{}
	for fields := lr.next(); fields != nil; fields = lr.next() {
		ed, err := lr.edge(fields)
		if err != nil {
			return nil, err
		}
		rest := fields[4:]
		if len(rest) > 0 {
			if _, err := netip.ParseAddr(rest[0]); err != nil {
				ed.Type = rest[0]
				rest = rest[1:]
			}
		}
		if len(rest) > 0 {
			ed.SubnetBase = rest[0]
			if len(rest) > 1 {
				ed.SubnetMask = rest[1]
			}
		}
		edges = append(edges, ed)
	}
	return edges, lr.scanner.Err()
}

// edge parses the four leading columns common to every edge line
func (lr *lineReader) edge(fields []string) (EdgeDesc, error) {
	ed := EdgeDesc{}
	if len(fields) < 4 {
		return ed, lr.errorf("expected `src dst bwMbps delayMs ...`")
	}
	var err error
	if ed.Src, err = lr.atoi(fields[0], "source node"); err != nil {
		return ed, err
	}
	if ed.Dst, err = lr.atoi(fields[1], "destination node"); err != nil {
		return ed, err
	}
	if ed.BandwidthMbps, err = lr.atof(fields[2], "bandwidth"); err != nil {
		return ed, err
	}
	if ed.DelayMs, err = lr.atof(fields[3], "delay"); err != nil {
		return ed, err
	}
	if ed.BandwidthMbps <= 0 || ed.DelayMs < 0 {
		return ed, lr.errorf("bandwidth must be positive and delay non-negative")
	}
	return ed, nil
}

// case-file sections
const (
	secNone       = ""
	secNodeCount  = "000"
	secTopology   = "001"
	secAttachWAC  = "002"
	secAttachPMU  = "003"
	secAttachPDC  = "004"
	secFlowPDC    = "005"
	secFlowWAC    = "006"
	secLinkFail   = "100"
	secInjectData = "101"
)

// attach sections: the edge type and role they give their rows
var attachSection = map[string]struct{ edgeType, role string }{
	secTopology:  {"agg-agg", ""},
	secAttachWAC: {"agg-com", "WAC"},
	secAttachPMU: {"agg-phy", "PMU"},
	secAttachPDC: {"agg-com", "PDC"},
}

// ParseCase reads the sectioned case format.  Sections open with BEG_xxx and
// close with END_xxx; lines outside a known section are ignored.
func ParseCase(r io.Reader, source string) (*TopoDesc, error) {
	td := CreateTopoDesc(source)
	lr := newLineReader(r, source)
	section := secNone

	for fields := lr.next(); fields != nil; fields = lr.next() {
		tag := fields[0]
		if strings.HasPrefix(tag, "BEG_") {
			section = strings.TrimPrefix(tag, "BEG_")
			continue
		}
		if strings.HasPrefix(tag, "END_") {
			section = secNone
			continue
		}

		switch section {
		case secNodeCount:
			if len(fields) < 2 {
				return nil, lr.errorf("expected `NODES <n>`")
			}
			n, err := lr.atoi(fields[1], "node count")
			if err != nil {
				return nil, err
			}
			// node ids start at 1, so id n must exist
			td.NodeCount = n + 1

		case secTopology, secAttachWAC, secAttachPMU, secAttachPDC:
			ed, err := lr.edge(fields)
			if err != nil {
				return nil, err
			}
			if len(fields) < 6 {
				return nil, lr.errorf("expected `a b bw delay subnet mask`")
			}
			ed.SubnetBase, ed.SubnetMask = fields[4], fields[5]
			ed.Type = attachSection[section].edgeType
			ed.Role = attachSection[section].role
			td.Edges = append(td.Edges, ed)

		case secFlowPDC, secFlowWAC:
			if len(fields) < 2 {
				return nil, lr.errorf("expected `target pmu`")
			}
			target, err := lr.atoi(fields[0], "target")
			if err != nil {
				return nil, err
			}
			pmu, err := lr.atoi(fields[1], "pmu")
			if err != nil {
				return nil, err
			}
			class := "PDC"
			if section == secFlowWAC {
				class = "WAC"
			}
			td.Flows = append(td.Flows, FlowDesc{Target: target, Source: pmu, Class: class})

		case secLinkFail:
			if len(fields) < 5 {
				return nil, lr.errorf("expected `label node down up iface`")
			}
			lf := LinkFailDesc{Label: fields[0]}
			var err error
			if lf.Node, err = lr.atoi(fields[1], "node"); err != nil {
				return nil, err
			}
			if lf.Down, err = lr.atof(fields[2], "down time"); err != nil {
				return nil, err
			}
			if lf.Up, err = lr.atof(fields[3], "up time"); err != nil {
				return nil, err
			}
			if lf.Intrfc, err = lr.atoi(fields[4], "interface"); err != nil {
				return nil, err
			}
			if lf.Down < 0 || lf.Up <= lf.Down {
				return nil, lr.errorf("link failure %s needs 0 <= down < up, got down %g up %g", lf.Label, lf.Down, lf.Up)
			}
			td.LinkFails = append(td.LinkFails, lf)

		case secInjectData:
			if len(fields) < 5 {
				return nil, lr.errorf("expected `target pmu start stop PDC|WAC`")
			}
			inj := InjectDesc{Class: strings.ToUpper(fields[4])}
			var err error
			if inj.Target, err = lr.atoi(fields[0], "target"); err != nil {
				return nil, err
			}
			if inj.Source, err = lr.atoi(fields[1], "pmu"); err != nil {
				return nil, err
			}
			if inj.Start, err = lr.atof(fields[2], "start"); err != nil {
				return nil, err
			}
			if inj.Stop, err = lr.atof(fields[3], "stop"); err != nil {
				return nil, err
			}
			if inj.Start < 0 || inj.Stop <= inj.Start {
				return nil, lr.errorf("injection needs 0 <= start < stop, got start %g stop %g", inj.Start, inj.Stop)
			}
			if inj.Class != "PDC" && inj.Class != "WAC" {
				return nil, lr.errorf("injection class %q is neither PDC nor WAC", fields[4])
			}
			td.Injects = append(td.Injects, inj)
		}
	}
	if err := lr.scanner.Err(); err != nil {
		return nil, err
	}
	return td, nil
}

// ReadNodesFile parses a nodes file
func ReadNodesFile(filename string) ([]NodeDesc, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "nodes file")
	}
	defer file.Close()
	return ParseNodes(file, filepath.Base(filename))
}

// ReadEdgesFile parses an edges file
func ReadEdgesFile(filename string) ([]EdgeDesc, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "edges file")
	}
	defer file.Close()
	return ParseEdges(file, filepath.Base(filename))
}

// ReadCaseFile parses a case file
func ReadCaseFile(filename string) (*TopoDesc, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "case file")
	}
	defer file.Close()
	return ParseCase(file, filepath.Base(filename))
}

// ReadTieredFiles combines a nodes file and an edges file into a TopoDesc
func ReadTieredFiles(nodesFile, edgesFile string) (*TopoDesc, error) {
	nodes, err := ReadNodesFile(nodesFile)
	if err != nil {
		return nil, err
	}
	edges, err := ReadEdgesFile(edgesFile)
	if err != nil {
		return nil, err
	}
	td := CreateTopoDesc(filepath.Base(nodesFile))
	td.Nodes = nodes
	td.Edges = edges
	return td, nil
}

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.
func ReportErrs(errs []error) error {
	errMsg := make([]string, 0)
	for _, err := range errs {
		if err != nil {
			errMsg = append(errMsg, err.Error())
		}
	}
	if len(errMsg) == 0 {
		return nil
	}

	return errors.New(strings.Join(errMsg, ","))
}

// CheckReadableFiles probes the file system to ensure that every
// one of the argument filenames exists and is readable
func CheckReadableFiles(names []string) (bool, error) {
	return CheckFiles(names, true)
}

// CheckOutputFiles probes the file system to ensure that every
// argument filename can be written.
func CheckOutputFiles(names []string) (bool, error) {
	return CheckFiles(names, false)
}

// CheckFiles probes the file system for permitted access to all the
// argument filenames, optionally checking also for the existence
// of those files for the purposes of reading them.
func CheckFiles(names []string, checkExistence bool) (bool, error) {
	errs := make([]error, 0)

	for _, name := range names {
		if len(name) == 0 {
			continue
		}

		// the directory of each named file must exist
		directory, _ := filepath.Split(name)
		if directory == "" {
			directory = "."
		}
		if _, err := os.Stat(directory); err != nil {
			errs = append(errs, err)
			continue
		}
		if checkExistence {
			if _, err := os.Stat(name); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) == 0 {
		return true, nil
	}
	return false, ReportErrs(errs)
}
