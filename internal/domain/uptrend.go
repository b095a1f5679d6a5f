package domain

// WavePhase is the state of a symbol in the uptrend state machine.
type WavePhase string

const (
	// PhaseSearching means no wave is open; the tracker follows a running trough.
	PhaseSearching WavePhase = "SEARCHING"
	// PhaseRising means a wave is open; the tracker follows its running peak.
	PhaseRising WavePhase = "RISING"
)

// IsValid checks if the phase is a known value.
func (p WavePhase) IsValid() bool {
	return p == PhaseSearching || p == PhaseRising
}

// UptrendWave is a contiguous upward price excursion of one symbol.
// PeakPrice >= StartPrice and PeakTime >= StartTime always hold.
type UptrendWave struct {
	Symbol     string  `json:"symbol"`
	StartPrice float64 `json:"startPrice"`
	StartTime  int64   `json:"startTime"` // ms
	PeakPrice  float64 `json:"peakPrice"`
	PeakTime   int64   `json:"peakTime"` // ms
	Ongoing    bool    `json:"ongoing"`
}

// UptrendPercent returns the wave magnitude: (peak/start - 1) * 100.
func (w UptrendWave) UptrendPercent() float64 {
	if w.StartPrice <= 0 {
		return 0
	}
	return (w.PeakPrice/w.StartPrice - 1) * 100
}

// WaveState is the full per-symbol tracker state.
// Persisted so that wave detection survives process restarts.
type WaveState struct {
	Symbol        string        `json:"symbol"`
	Phase         WavePhase     `json:"phase"`
	TroughPrice   float64       `json:"troughPrice"`
	TroughTime    int64         `json:"troughTime"`
	LastTimestamp int64         `json:"lastTimestamp"`
	Current       *UptrendWave  `json:"current,omitempty"`    // open wave, nil while searching
	LastClosed    *UptrendWave  `json:"lastClosed,omitempty"` // most recent closed wave
	History       []UptrendWave `json:"history,omitempty"`    // closed waves, oldest first
}

// CoinUptrend is one symbol's reported wave inside an uptrend snapshot.
type CoinUptrend struct {
	Symbol         string  `json:"symbol"`
	UptrendPercent float64 `json:"uptrendPercent"`
	Ongoing        bool    `json:"ongoing"`
	WaveStartTime  int64   `json:"waveStartTime"`
	WaveEndTime    int64   `json:"waveEndTime"` // time the peak was reached
	StartPrice     float64 `json:"startPrice"`
	PeakPrice      float64 `json:"peakPrice"`
}

// UptrendBucket groups symbols by wave magnitude.
type UptrendBucket struct {
	Range        string        `json:"range"`
	Count        int           `json:"count"`
	OngoingCount int           `json:"ongoingCount"`
	Coins        []CoinUptrend `json:"coins"`
}

// UptrendSnapshot aggregates the current wave of every symbol that has one.
type UptrendSnapshot struct {
	TimestampMs       int64           `json:"timestamp"`
	TotalCoins        int             `json:"totalCoins"`
	PullbackThreshold float64         `json:"pullbackThreshold"`
	AvgUptrend        float64         `json:"avgUptrend"` // closed waves only
	MaxUptrend        float64         `json:"maxUptrend"` // closed waves only
	OngoingCount      int             `json:"ongoingCount"`
	Buckets           []UptrendBucket `json:"distribution"`
	AllCoinsRanking   []CoinUptrend   `json:"allCoinsRanking"`
}
