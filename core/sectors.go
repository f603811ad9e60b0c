package core

import "strings"

// StaticSectors is a fixed scrip → sector classification for the
// correlation and concentration checks. Unknown scrips fall back to OTHER,
// which intentionally makes them correlate only with themselves.
type StaticSectors struct {
	bySymbol map[string]string
}

// NewStaticSectors builds the classifier from a symbol → sector map.
// Symbols are matched case-insensitively.
func NewStaticSectors(m map[string]string) *StaticSectors {
	bySymbol := make(map[string]string, len(m))
	for sym, sector := range m {
		bySymbol[strings.ToUpper(sym)] = strings.ToUpper(sector)
	}
	return &StaticSectors{bySymbol: bySymbol}
}

// DefaultSectors covers the liquid F&O names the fabric usually trades.
func DefaultSectors() *StaticSectors {
	return NewStaticSectors(map[string]string{
		"HDFCBANK":   "BANK",
		"ICICIBANK":  "BANK",
		"SBIN":       "BANK",
		"KOTAKBANK":  "BANK",
		"AXISBANK":   "BANK",
		"TCS":        "IT",
		"INFY":       "IT",
		"WIPRO":      "IT",
		"HCLTECH":    "IT",
		"TECHM":      "IT",
		"RELIANCE":   "ENERGY",
		"ONGC":       "ENERGY",
		"NTPC":       "ENERGY",
		"POWERGRID":  "ENERGY",
		"TATAMOTORS": "AUTO",
		"M&M":        "AUTO",
		"MARUTI":     "AUTO",
		"BAJAJ-AUTO": "AUTO",
		"SUNPHARMA":  "PHARMA",
		"CIPLA":      "PHARMA",
		"DRREDDY":    "PHARMA",
		"TATASTEEL":  "METAL",
		"JSWSTEEL":   "METAL",
		"HINDALCO":   "METAL",
	})
}

func (s *StaticSectors) SectorOf(scrip string) string {
	if sector, ok := s.bySymbol[strings.ToUpper(scrip)]; ok {
		return sector
	}
	return "OTHER"
}
