// Package diagserver is the validation/diagnostic HTTP surface named at
// interface level only by spec.md §2 and §7: read-only per-DAC status,
// fault injection for the validation harness, a fallback-mode toggle, and
// the liveness waveform channel. It is grounded on
// generichttp/daq.go's interface-to-routes shape and
// server/middleware/locker's maintenance-lock pattern, both reimplemented
// against go-chi/chi directly rather than through a RouteTable
// abstraction, since a standalone diagnostic server has no need for the
// teacher's multi-device route-table aggregation.
package diagserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/bdube/muppetcv/electricmayhem"
	"github.com/bdube/muppetcv/i2ctransport"
	"github.com/bdube/muppetcv/sample"
)

// Faulter is satisfied by a bus that can have synthetic errors programmed
// into it, e.g. simtransport.Bus. Hardware buses that do not support fault
// injection are simply omitted from the Faulters slice passed to New, and
// /inject-fault reports 501 for their index.
type Faulter interface {
	ProgramErrors(err error, n int)
}

// errorByName maps the diagnostic surface's JSON error-kind strings to the
// sentinel bus errors i2ctransport.Classify recognises, so a validation
// harness can request a named failure mode without reaching into
// i2ctransport itself.
var errorByName = map[string]error{
	"busy":             i2ctransport.ErrBusBusy,
	"nak":              i2ctransport.ErrBusNak,
	"arbitration-lost": i2ctransport.ErrBusArbitrationLost,
	"dma-error":        i2ctransport.ErrBusDMA,
	"timeout":          i2ctransport.ErrBusTimeout,
}

// Server is the diagnostic HTTP surface bound to one Orchestrator.
type Server struct {
	orch     *electricmayhem.Orchestrator
	faulters []Faulter
	locker   *Locker
	liveness *Liveness

	Router chi.Router
}

// New builds a Server. faulters[i], if non-nil, is the bus backing dac i
// and is what /inject-fault drives; a nil entry (or an index beyond
// len(faulters)) makes that DAC's fault injection report 501.
func New(orch *electricmayhem.Orchestrator, faulters []Faulter, liveness *Liveness) *Server {
	s := &Server{orch: orch, faulters: faulters, locker: NewLocker(), liveness: liveness}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(s.locker.Check)

	r.Get("/status", s.handleStatusAll)
	r.Get("/status/{dac}", s.handleStatusOne)
	r.Get("/metrics", s.handleMetrics)
	r.Post("/inject-fault", s.handleInjectFault)
	r.Post("/dac/{dac}/fallback", s.handleSetFallback)
	r.Get("/liveness", s.handleLiveness)
	r.Get("/lock", s.locker.httpGet)
	r.Post("/lock", s.locker.httpSet)

	s.Router = r
	return s
}

// dacStatusJSON is the wire shape of one DAC's diagnostic snapshot.
type dacStatusJSON struct {
	DAC              int     `json:"dac"`
	Fallback         bool    `json:"fallback"`
	Fatal            bool    `json:"fatal"`
	Dirty            bool    `json:"dirty"`
	Sequence         uint32  `json:"sequence"`
	TotalOperations  uint64  `json:"total_operations"`
	TotalErrors      uint64  `json:"total_errors"`
	ErrorRatePPM     uint64  `json:"error_rate_ppm"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	MaxObservedUs    int64   `json:"max_observed_us"`
	MovingAverageUs  float64 `json:"moving_average_us"`
	TotalTimeouts    uint64  `json:"total_timeouts"`
}

func (s *Server) statusJSON(dac int) dacStatusJSON {
	st := s.orch.Status(dac)
	return dacStatusJSON{
		DAC:               dac,
		Fallback:          st.Fallback,
		Fatal:             st.Fatal,
		Dirty:             st.Dirty,
		Sequence:          st.Sequence,
		TotalOperations:   st.Errors.TotalOperations,
		TotalErrors:       st.Errors.TotalErrors,
		ErrorRatePPM:      st.Errors.ErrorRatePPM(),
		ConsecutiveErrors: st.Errors.ConsecutiveErrors,
		MaxObservedUs:     st.Watchdog.MaxObserved.Microseconds(),
		MovingAverageUs:   st.Watchdog.MovingAverage.Seconds() * 1e6,
		TotalTimeouts:     st.Watchdog.TotalTimeouts,
	}
}

func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	out := make([]dacStatusJSON, s.orch.DACCount())
	for i := range out {
		out[i] = s.statusJSON(i)
	}
	writeJSON(w, out)
}

func (s *Server) handleStatusOne(w http.ResponseWriter, r *http.Request) {
	dac, ok := s.parseDAC(w, r)
	if !ok {
		return
	}
	writeJSON(w, s.statusJSON(dac))
}

// handleMetrics is the same per-DAC data as /status but flattened across
// every DAC, the shape a scrape-style consumer expects instead of a
// request-per-device client.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	type metrics struct {
		AnyFatal bool            `json:"any_fatal"`
		DACs     []dacStatusJSON `json:"dacs"`
	}
	out := metrics{AnyFatal: s.orch.AnyFatal(), DACs: make([]dacStatusJSON, s.orch.DACCount())}
	for i := range out.DACs {
		out.DACs[i] = s.statusJSON(i)
	}
	writeJSON(w, out)
}

type injectFaultRequest struct {
	DAC   int    `json:"dac"`
	Error string `json:"error"`
	Count int    `json:"count"`
}

func (s *Server) handleInjectFault(w http.ResponseWriter, r *http.Request) {
	var req injectFaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DAC < 0 || req.DAC >= len(s.faulters) || s.faulters[req.DAC] == nil {
		http.Error(w, "fault injection not available for this DAC", http.StatusNotImplemented)
		return
	}
	err, ok := errorByName[req.Error]
	if !ok {
		http.Error(w, "unknown error kind: "+req.Error, http.StatusBadRequest)
		return
	}
	count := req.Count
	if count <= 0 {
		count = 1
	}
	s.faulters[req.DAC].ProgramErrors(err, count)
	w.WriteHeader(http.StatusOK)
}

type fallbackRequest struct {
	Active bool `json:"active"`
}

// handleSetFallback lets the validation harness force a DAC into or out of
// sync fallback directly, bypassing errrecovery's own classification, the
// way ForceFallback is documented to be used.
func (s *Server) handleSetFallback(w http.ResponseWriter, r *http.Request) {
	dac, ok := s.parseDAC(w, r)
	if !ok {
		return
	}
	var req fallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.orch.ForceFallback(dac, req.Active)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	type liveness struct {
		Sample  sample.Sample `json:"sample"`
		Healthy bool          `json:"healthy"`
	}
	healthy := !s.orch.AnyFatal()
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(liveness{Sample: s.liveness.Current(), Healthy: healthy})
}

func (s *Server) parseDAC(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "dac")
	dac, err := strconv.Atoi(raw)
	if err != nil || dac < 0 || dac >= s.orch.DACCount() {
		http.Error(w, "invalid dac index", http.StatusBadRequest)
		return 0, false
	}
	return dac, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Liveness drives a slow triangle wave into a single-slot channel holding
// the latest sample, at a fixed cadence, independent of any DAC's real output, so /liveness can be
// polled to confirm the process's own scheduler is still running even when
// every DAC is in fallback or fatal.
type Liveness struct {
	period time.Duration
	step   sample.Sample
	stop   chan struct{}
	done   chan struct{}
	cur    chan sample.Sample // single-slot: always holds the latest value
}

// NewLiveness builds a Liveness ticking at period, stepping by step each
// tick and reflecting at sample.Min/sample.Max.
func NewLiveness(period time.Duration, step sample.Sample) *Liveness {
	l := &Liveness{period: period, step: step, stop: make(chan struct{}), done: make(chan struct{}), cur: make(chan sample.Sample, 1)}
	l.cur <- sample.Centre
	return l
}

// Current returns the most recently generated sample.
func (l *Liveness) Current() sample.Sample {
	v := <-l.cur
	l.cur <- v
	return v
}

// Start runs the waveform generator in its own goroutine until Stop.
func (l *Liveness) Start() {
	go func() {
		defer close(l.done)
		t := time.NewTicker(l.period)
		defer t.Stop()
		v := sample.Centre
		rising := true
		for {
			select {
			case <-t.C:
				if rising {
					if int(v)+int(l.step) >= int(sample.Max) {
						v = sample.Max
						rising = false
					} else {
						v += l.step
					}
				} else {
					if int(v)-int(l.step) <= int(sample.Min) {
						v = sample.Min
						rising = true
					} else {
						v -= l.step
					}
				}
				<-l.cur
				l.cur <- v
			case <-l.stop:
				return
			}
		}
	}()
}

// Stop ends the waveform generator and waits for it to exit.
func (l *Liveness) Stop() {
	close(l.stop)
	<-l.done
}
