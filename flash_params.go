package fpgaboot

import "time"

type flashParams struct {
	name  string
	tRES1 time.Duration // power-down release to standby
	tDP   time.Duration // CS high to power-down
}

var knownFlash = map[[3]byte]flashParams{
	{0x20, 0xBA, 0x16}: {
		name: "Micron N25Q 32Mb",
		// [N25Q32|Table 38] tRES1/tDP not listed, Winbond values are used.
		tRES1: 3 * time.Microsecond,
		tDP:   3 * time.Microsecond,
	},
	{0xEF, 0x40, 0x18}: {
		name: "Winbond W25Q 128Mb",
		// [W25Q128|9.6 AC Electrical Characteristics]
		tRES1: 3 * time.Microsecond,
		tDP:   3 * time.Microsecond,
	},
	{0xEF, 0x70, 0x18}: {
		name:  "Winbond W25Q 128Mb (QPI)",
		tRES1: 3 * time.Microsecond,
		tDP:   3 * time.Microsecond,
	},
}

// params returns the identified part's timings, or the slowest known ones.
func (f *Flash) params() flashParams {
	if f.pr != nil {
		return *f.pr
	}
	var p flashParams
	for _, k := range knownFlash {
		p.tRES1 = max(p.tRES1, k.tRES1)
		p.tDP = max(p.tDP, k.tDP)
	}
	return p
}
