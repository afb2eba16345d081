package aips

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Table names.
const (
	TableAN = "AIPS AN"
	TableFQ = "AIPS FQ"
	TableSU = "AIPS SU"
	TableNX = "AIPS NX"
	TableCL = "AIPS CL"
	TableSN = "AIPS SN"
	TableCC = "AIPS CC"
)

// Row is implemented by every typed table row.
type Row interface {
	TableName() string
}

// Column describes one table column. Repeat is 0 for columns whose length
// varies with the number of IFs or planes.
type Column struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Repeat int    `json:"repeat"`
	field  int
}

// Schema is the column layout of a row type, built once from its struct
// tags.
type Schema struct {
	Table   string
	Columns []Column
}

var schemas sync.Map

// SchemaOf returns the cached schema of row type T.
func SchemaOf[T Row]() *Schema {
	var zero T
	return schemaFor(reflect.TypeOf(zero), zero.TableName())
}

func schemaFor(t reflect.Type, table string) *Schema {
	if s, ok := schemas.Load(t); ok {
		return s.(*Schema)
	}
	s := &Schema{Table: table}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, ok := f.Tag.Lookup("aips")
		if !ok || name == "-" {
			continue
		}
		col := Column{Name: name, field: i}
		switch f.Type.Kind() {
		case reflect.Array:
			col.Type = f.Type.Elem().Kind().String()
			col.Repeat = f.Type.Len()
		case reflect.Slice:
			col.Type = f.Type.Elem().Kind().String()
		default:
			col.Type = f.Type.Kind().String()
			col.Repeat = 1
		}
		s.Columns = append(s.Columns, col)
	}
	actual, _ := schemas.LoadOrStore(t, s)
	return actual.(*Schema)
}

// Keywords are table header keywords. Values are normalised through JSON
// so that tables read back from disk compare equal.
type Keywords map[string]any

// Int returns an integer keyword.
func (k Keywords) Int(name string) (int, bool) {
	switch v := k[name].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// Canonical renders the keywords in sorted key order.
func (k Keywords) Canonical() []string {
	keys := make([]string, 0, len(k))
	for key := range k {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	lines := make([]string, len(keys))
	for i, key := range keys {
		b, _ := json.Marshal(k[key])
		lines[i] = fmt.Sprintf("%s = %s\n", key, b)
	}
	return lines
}

// Table is a versioned table of typed rows.
type Table[T Row] struct {
	Version  int
	Keywords Keywords
	Rows     []T
}

type tableFile struct {
	Name     string                       `json:"name"`
	Version  int                          `json:"version"`
	Columns  []Column                     `json:"columns"`
	Keywords map[string]json.RawMessage   `json:"keywords"`
	Rows     []map[string]json.RawMessage `json:"rows"`
}

// tableHost is a file that carries tables.
type tableHost interface {
	tableDir() string
	String() string
}

func tableFileName(name string, version int) string {
	return strings.ReplaceAll(name, " ", "_") + "." + strconv.Itoa(version) + ".json"
}

// TableVersions lists the versions of a table attached to h, ascending.
func TableVersions(h tableHost, name string) ([]int, error) {
	entries, err := os.ReadDir(h.tableDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list tables of %s: %v", ErrIO, h, err)
	}
	prefix := strings.ReplaceAll(name, " ", "_") + "."
	var versions []int
	for _, e := range entries {
		n := e.Name()
		if !strings.HasPrefix(n, prefix) || !strings.HasSuffix(n, ".json") {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(n, prefix), ".json"))
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}

// HasTable reports whether any version of name is attached to h.
func HasTable(h tableHost, name string) bool {
	v, err := TableVersions(h, name)
	return err == nil && len(v) > 0
}

func highestVersion(h tableHost, name string) (int, error) {
	versions, err := TableVersions(h, name)
	if err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[len(versions)-1], nil
}

// ReadTable reads a table version from h. version <= 0 selects the highest.
func ReadTable[T Row](h tableHost, version int) (*Table[T], error) {
	schema := SchemaOf[T]()
	if version <= 0 {
		v, err := highestVersion(h, schema.Table)
		if err != nil {
			return nil, err
		}
		if v == 0 {
			return nil, fmt.Errorf("%w: '%s' in %s", ErrNoTable, schema.Table, h)
		}
		version = v
	}
	fn := filepath.Join(h.tableDir(), tableFileName(schema.Table, version))
	data, err := os.ReadFile(fn)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: '%s' version %d in %s", ErrNoTable, schema.Table, version, h)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read '%s' of %s: %v", ErrIO, schema.Table, h, err)
	}
	var tf tableFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("%w: decode '%s' of %s: %v", ErrIO, schema.Table, h, err)
	}

	t := &Table[T]{Version: tf.Version, Keywords: Keywords{}}
	for k, raw := range tf.Keywords {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: keyword %s of '%s': %v", ErrIO, k, schema.Table, err)
		}
		t.Keywords[k] = v
	}
	t.Rows = make([]T, len(tf.Rows))
	for i, raw := range tf.Rows {
		rv := reflect.ValueOf(&t.Rows[i]).Elem()
		for _, col := range schema.Columns {
			cell, ok := raw[col.Name]
			if !ok {
				continue
			}
			if err := json.Unmarshal(cell, rv.Field(col.field).Addr().Interface()); err != nil {
				return nil, fmt.Errorf("%w: row %d column '%s' of '%s': %v", ErrIO, i+1, col.Name, schema.Table, err)
			}
		}
	}
	return t, nil
}

// WriteTable writes t to h, replacing any table with the same version.
// Version <= 0 attaches a new version one past the highest.
func WriteTable[T Row](h tableHost, t *Table[T]) error {
	schema := SchemaOf[T]()
	if t.Version <= 0 {
		v, err := highestVersion(h, schema.Table)
		if err != nil {
			return err
		}
		t.Version = v + 1
	}
	tf := tableFile{
		Name:     schema.Table,
		Version:  t.Version,
		Columns:  schema.Columns,
		Keywords: map[string]json.RawMessage{},
		Rows:     make([]map[string]json.RawMessage, len(t.Rows)),
	}
	for k, v := range t.Keywords {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: keyword %s of '%s': %v", ErrIO, k, schema.Table, err)
		}
		tf.Keywords[k] = b
	}
	for i := range t.Rows {
		rv := reflect.ValueOf(t.Rows[i])
		row := make(map[string]json.RawMessage, len(schema.Columns))
		for _, col := range schema.Columns {
			b, err := json.Marshal(rv.Field(col.field).Interface())
			if err != nil {
				return fmt.Errorf("%w: row %d column '%s' of '%s': %v", ErrIO, i+1, col.Name, schema.Table, err)
			}
			row[col.Name] = b
		}
		tf.Rows[i] = row
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", " ")
	if err := enc.Encode(tf); err != nil {
		return fmt.Errorf("%w: encode '%s' of %s: %v", ErrIO, schema.Table, h, err)
	}
	if err := os.MkdirAll(h.tableDir(), 0o755); err != nil {
		return fmt.Errorf("%w: write '%s' of %s: %v", ErrIO, schema.Table, h, err)
	}
	fn := filepath.Join(h.tableDir(), tableFileName(schema.Table, t.Version))
	if err := os.WriteFile(fn, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("%w: write '%s' of %s: %v", ErrIO, schema.Table, h, err)
	}
	return nil
}

// ANRow is an antenna table row.
type ANRow struct {
	AnName   string     `aips:"ANNAME"`
	StaBXYZ  [3]float64 `aips:"STABXYZ"`
	OrbParm  []float64  `aips:"ORBPARM"`
	NoSta    int32      `aips:"NOSTA"`
	MntSta   int32      `aips:"MNTSTA"`
	StaXOF   float32    `aips:"STAXOF"`
	Diameter float32    `aips:"DIAMETER"`
	BeamFWHM float32    `aips:"BEAMFWHM"`
	PolTyA   string     `aips:"POLTYA"`
	PolAA    float32    `aips:"POLAA"`
	PolCalA  [2]float32 `aips:"POLCALA"`
	PolTyB   string     `aips:"POLTYB"`
	PolAB    float32    `aips:"POLAB"`
	PolCalB  [2]float32 `aips:"POLCALB"`
}

func (ANRow) TableName() string { return TableAN }

// FQRow is a frequency setup row. Slices hold one entry per IF.
type FQRow struct {
	FrqSel         int32     `aips:"FRQSEL"`
	IFFreq         []float64 `aips:"IF FREQ"`
	ChWidth        []float32 `aips:"CH WIDTH"`
	TotalBandwidth []float32 `aips:"TOTAL BANDWIDTH"`
	Sideband       []int32   `aips:"SIDEBAND"`
	RxCode         string    `aips:"RXCODE"`
}

func (FQRow) TableName() string { return TableFQ }

// SURow is a source table row. Slices hold one entry per IF.
type SURow struct {
	ID        int32     `aips:"ID. NO."`
	Source    string    `aips:"SOURCE"`
	Qual      int32     `aips:"QUAL"`
	CalCode   string    `aips:"CALCODE"`
	IFlux     []float32 `aips:"IFLUX"`
	QFlux     []float32 `aips:"QFLUX"`
	UFlux     []float32 `aips:"UFLUX"`
	VFlux     []float32 `aips:"VFLUX"`
	FreqOff   []float64 `aips:"FREQOFF"`
	Bandwidth float64   `aips:"BANDWIDTH"`
	RAEpo     float64   `aips:"RAEPO"`
	DecEpo    float64   `aips:"DECEPO"`
	Epoch     float64   `aips:"EPOCH"`
	RAApp     float64   `aips:"RAAPP"`
	DecApp    float64   `aips:"DECAPP"`
	RAObs     float64   `aips:"RAOBS"`
	DecObs    float64   `aips:"DECOBS"`
	LSRVel    []float64 `aips:"LSRVEL"`
	RestFreq  []float64 `aips:"RESTFREQ"`
	PMRA      float64   `aips:"PMRA"`
	PMDec     float64   `aips:"PMDEC"`
}

func (SURow) TableName() string { return TableSU }

// NXRow indexes one scan. StartVis and EndVis are 1-based and inclusive.
type NXRow struct {
	Time         float32 `aips:"TIME"`
	TimeInterval float32 `aips:"TIME INTERVAL"`
	SourceID     int32   `aips:"SOURCE ID"`
	Subarray     int32   `aips:"SUBARRAY"`
	FreqID       int32   `aips:"FREQ ID"`
	StartVis     int32   `aips:"START VIS"`
	EndVis       int32   `aips:"END VIS"`
}

func (NXRow) TableName() string { return TableNX }

// NVis is the number of visibilities the row covers.
func (r NXRow) NVis() int { return int(r.EndVis-r.StartVis) + 1 }

// CLRow is a calibration table row. Slices hold one entry per IF.
type CLRow struct {
	Time         float64   `aips:"TIME"`
	TimeInterval float32   `aips:"TIME INTERVAL"`
	SourceID     int32     `aips:"SOURCE ID"`
	AntennaNo    int32     `aips:"ANTENNA NO."`
	Subarray     int32     `aips:"SUBARRAY"`
	FreqID       int32     `aips:"FREQ ID"`
	Real1        []float32 `aips:"REAL1"`
	Imag1        []float32 `aips:"IMAG1"`
	Delay1       []float32 `aips:"DELAY 1"`
	Rate1        []float32 `aips:"RATE 1"`
	Weight1      []float32 `aips:"WEIGHT 1"`
	RefAnt1      []int32   `aips:"REFANT 1"`
	Real2        []float32 `aips:"REAL2"`
	Imag2        []float32 `aips:"IMAG2"`
	Delay2       []float32 `aips:"DELAY 2"`
	Rate2        []float32 `aips:"RATE 2"`
	Weight2      []float32 `aips:"WEIGHT 2"`
	RefAnt2      []int32   `aips:"REFANT 2"`
}

func (CLRow) TableName() string { return TableCL }

// SNRow is a calibration solution row. The second polarisation columns
// are empty for single polarisation solutions.
type SNRow struct {
	Time         float64   `aips:"TIME"`
	TimeInterval float32   `aips:"TIME INTERVAL"`
	SourceID     int32     `aips:"SOURCE ID"`
	AntennaNo    int32     `aips:"ANTENNA NO."`
	Subarray     int32     `aips:"SUBARRAY"`
	FreqID       int32     `aips:"FREQ ID"`
	Real1        []float32 `aips:"REAL1"`
	Imag1        []float32 `aips:"IMAG1"`
	Weight1      []float32 `aips:"WEIGHT 1"`
	RefAnt1      []int32   `aips:"REFANT 1"`
	Real2        []float32 `aips:"REAL2"`
	Imag2        []float32 `aips:"IMAG2"`
	Weight2      []float32 `aips:"WEIGHT 2"`
	RefAnt2      []int32   `aips:"REFANT 2"`
}

func (SNRow) TableName() string { return TableSN }

// CCRow is a clean component. For tabulated components PARMS[3] is 20 and
// PARMS[4:] holds the flux density in each image plane.
type CCRow struct {
	DeltaX   float32   `aips:"DELTAX"`
	DeltaY   float32   `aips:"DELTAY"`
	Flux     float32   `aips:"FLUX"`
	MajorAx  float32   `aips:"MAJOR AX"`
	MinorAx  float32   `aips:"MINOR AX"`
	PosAngle float32   `aips:"POSANGLE"`
	TypeObj  int32     `aips:"TYPE OBJ"`
	Parms    []float32 `aips:"PARMS"`
}

func (CCRow) TableName() string { return TableCC }

// TableSet holds the antenna, frequency and source tables every exported
// UV file carries.
type TableSet struct {
	AN *Table[ANRow]
	FQ *Table[FQRow]
	SU *Table[SURow]
}

// WriteTables attaches the tables of ts that are set.
func (u *UVFile) WriteTables(ts TableSet) error {
	if ts.AN != nil {
		if err := WriteTable(u, ts.AN); err != nil {
			return err
		}
	}
	if ts.FQ != nil {
		if err := WriteTable(u, ts.FQ); err != nil {
			return err
		}
	}
	if ts.SU != nil {
		if err := WriteTable(u, ts.SU); err != nil {
			return err
		}
	}
	return nil
}
