package aips

// AttachCLFromNX writes a new CL table with unit gains for antennas
// 1..maxAnt at the start and end of every scan in the NX table.
func AttachCLFromNX(uvf *UVFile, maxAnt int) error {
	nx, err := ReadTable[NXRow](uvf, 0)
	if err != nil {
		return err
	}
	d := uvf.desc
	nif := d.NIF()
	npol := d.NStokes()
	if npol > 2 {
		npol = 2
	}

	ones := func() []float32 {
		v := make([]float32, nif)
		for i := range v {
			v[i] = 1
		}
		return v
	}
	zeros := func() []float32 { return make([]float32, nif) }

	cl := &Table[CLRow]{
		Keywords: Keywords{
			"NO_ANT":  maxAnt,
			"NO_POL":  npol,
			"NO_IF":   nif,
			"NO_TERM": 1,
			"MFMOD":   1,
		},
	}
	for _, scan := range nx.Rows {
		half := float64(scan.TimeInterval) / 2
		for _, t := range []float64{float64(scan.Time) - half, float64(scan.Time) + half} {
			for ant := 1; ant <= maxAnt; ant++ {
				row := CLRow{
					Time:      t,
					SourceID:  scan.SourceID,
					AntennaNo: int32(ant),
					Subarray:  scan.Subarray,
					FreqID:    scan.FreqID,
					Real1:     ones(),
					Imag1:     zeros(),
					Delay1:    zeros(),
					Rate1:     zeros(),
					Weight1:   ones(),
					RefAnt1:   make([]int32, nif),
				}
				if npol > 1 {
					row.Real2 = ones()
					row.Imag2 = zeros()
					row.Delay2 = zeros()
					row.Rate2 = zeros()
					row.Weight2 = ones()
					row.RefAnt2 = make([]int32, nif)
				}
				cl.Rows = append(cl.Rows, row)
			}
		}
	}
	return WriteTable(uvf, cl)
}
