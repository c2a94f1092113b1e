package media

import (
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoWorkersInitialized = errors.New("no media workers initialized")
	ErrNoWorkerAvailable    = errors.New("no media worker available")
)

// Config holds the media-plane settings shared by every worker.
type Config struct {
	// NumWorkers of 0 means one per CPU.
	NumWorkers int
	RTCMinPort uint16
	RTCMaxPort uint16
	// AnnouncedIP replaces the host candidates' IP when the server sits
	// behind NAT.
	AnnouncedIP string
}

// Worker owns one webrtc.API instance and tracks how much forwarding time
// has been spent on it. Routers created on the least-busy worker spread the
// media load across cores.
type Worker struct {
	idx  int
	api  *webrtc.API
	busy atomic.Int64 // cumulative forwarding nanoseconds
}

func newWorker(idx int, cfg Config) (*Worker, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if cfg.RTCMinPort > 0 && cfg.RTCMaxPort >= cfg.RTCMinPort {
		if err := se.SetEphemeralUDPPortRange(cfg.RTCMinPort, cfg.RTCMaxPort); err != nil {
			return nil, err
		}
	}
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	return &Worker{
		idx: idx,
		api: webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithSettingEngine(se)),
	}, nil
}

func (w *Worker) Index() int { return w.idx }

// AddUsage accounts forwarding work against this worker.
func (w *Worker) AddUsage(d time.Duration) { w.busy.Add(int64(d)) }

// Usage is the cumulative forwarding time spent on this worker.
func (w *Worker) Usage() time.Duration { return time.Duration(w.busy.Load()) }

// Pool is a fixed set of media workers created at startup.
type Pool struct {
	workers []*Worker
}

func NewPool(cfg Config) (*Pool, error) {
	n := cfg.NumWorkers
	if n <= 0 {
		n = runtime.NumCPU()
	}

	workers := make([]*Worker, 0, n)
	for i := 0; i < n; i++ {
		w, err := newWorker(i, cfg)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	log.Info().Str("module", "media").Int("workers", n).Msg("media worker pool ready")
	return &Pool{workers: workers}, nil
}

// Least returns the worker with the lowest accumulated usage, preferring the
// lowest index on ties.
func (p *Pool) Least() (*Worker, error) {
	if p == nil || len(p.workers) == 0 {
		return nil, ErrNoWorkersInitialized
	}

	var best *Worker
	for _, w := range p.workers {
		if w == nil {
			continue
		}
		if best == nil || w.Usage() < best.Usage() {
			best = w
		}
	}
	if best == nil {
		return nil, ErrNoWorkerAvailable
	}
	return best, nil
}

func (p *Pool) Size() int { return len(p.workers) }
