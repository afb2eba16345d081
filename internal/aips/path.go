package aips

import (
	"fmt"
	"strconv"
	"strings"
)

// Disk types.
const (
	DiskAIPS = "AIPS"
	DiskFITS = "FITS"
)

// Path identifies an AIPS or FITS file. It does not abstract file access.
type Path struct {
	Name  string
	Disk  int
	Class string
	Seq   int
	Type  string
	Label string
	DType string
}

// NewPath returns a Path with the usual defaults: disk 1, class "aips",
// sequence 1, type "UV", label "katuv" on an AIPS disk.
func NewPath(name string) Path {
	return Path{Name: name, Disk: 1, Class: "aips", Seq: 1, Type: "UV", Label: "katuv", DType: DiskAIPS}
}

// Normalise applies the FITS conventions. FITS files have neither class nor
// sequence so they are set to "fits" and 1.
func (p Path) Normalise() (Path, error) {
	switch p.DType {
	case "", DiskAIPS:
		p.DType = DiskAIPS
	case DiskFITS:
		p.Class = "fits"
		p.Seq = 1
	default:
		return p, fmt.Errorf("%w: invalid disk type '%s', should be one of [%s %s]",
			ErrInvalidPath, p.DType, DiskAIPS, DiskFITS)
	}
	if p.Name == "" {
		return p, fmt.Errorf("%w: empty name", ErrInvalidPath)
	}
	if p.Disk < 1 {
		return p, fmt.Errorf("%w: disk %d", ErrInvalidPath, p.Disk)
	}
	return p, nil
}

// WithClass returns a copy of p with a different class.
func (p Path) WithClass(class string) Path { p.Class = class; return p }

// WithSeq returns a copy of p with a different sequence number.
func (p Path) WithSeq(seq int) Path { p.Seq = seq; return p }

// WithName returns a copy of p with a different name.
func (p Path) WithName(name string) Path { p.Name = name; return p }

func (p Path) String() string {
	if p.DType == DiskFITS {
		return fmt.Sprintf("%s.%s on FITS %d", p.Name, p.Type, p.Disk)
	}
	return fmt.Sprintf("%s.%s.%s.%d on AIPS %d", p.Name, p.Class, p.Type, p.Seq, p.Disk)
}

// TaskInputKwargs returns the engine task arguments naming p as input.
func (p Path) TaskInputKwargs() map[string]any {
	if p.DType == DiskFITS {
		return map[string]any{"DataType": p.DType, "inFile": p.Name}
	}
	return map[string]any{
		"DataType": DiskAIPS,
		"inName":   p.Name,
		"inClass":  p.Class,
		"inSeq":    p.Seq,
		"inDisk":   p.Disk,
	}
}

// TaskOutputKwargs returns the engine task arguments naming p as output.
func (p Path) TaskOutputKwargs() map[string]any {
	if p.DType == DiskFITS {
		return map[string]any{"outDType": p.DType, "outFile": p.Name}
	}
	return map[string]any{
		"outDType": DiskAIPS,
		"outName":  p.Name,
		"outClass": p.Class,
		"outSeq":   p.Seq,
		"outDisk":  p.Disk,
	}
}

// TaskOutput2Kwargs names p as the secondary output. There is no out2DType.
func (p Path) TaskOutput2Kwargs() map[string]any {
	if p.DType == DiskFITS {
		return map[string]any{"out2File": p.Name}
	}
	return map[string]any{
		"out2Name":  p.Name,
		"out2Class": p.Class,
		"out2Seq":   p.Seq,
		"out2Disk":  p.Disk,
	}
}

const pathHelp = "path should be a tuple of the form (name,disk,class,seq,type,label,dtype)"

// ParsePath parses "(name, disk, class, seq, type, label, dtype)". Trailing
// elements may be omitted and None keeps the default.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || !(s[0] == '(' && s[len(s)-1] == ')' || s[0] == '[' && s[len(s)-1] == ']') {
		return Path{}, fmt.Errorf("%w: %s", ErrInvalidPath, pathHelp)
	}
	parts := strings.Split(s[1:len(s)-1], ",")
	if len(parts) > 7 {
		return Path{}, fmt.Errorf("%w: %s", ErrInvalidPath, pathHelp)
	}
	p := NewPath("")
	for i, raw := range parts {
		v := strings.Trim(strings.TrimSpace(raw), `'"`)
		if v == "" || v == "None" {
			continue
		}
		switch i {
		case 0:
			p.Name = v
		case 1, 3:
			n, err := strconv.Atoi(v)
			if err != nil {
				return Path{}, fmt.Errorf("%w: %s: %v", ErrInvalidPath, pathHelp, err)
			}
			if i == 1 {
				p.Disk = n
			} else {
				p.Seq = n
			}
		case 2:
			p.Class = v
		case 4:
			p.Type = v
		case 5:
			p.Label = v
		case 6:
			p.DType = v
		}
	}
	return p.Normalise()
}
