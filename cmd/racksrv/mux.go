package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"go.uber.org/zap"

	"github.jpl.nasa.gov/bdube/gorack/adc"
	"github.jpl.nasa.gov/bdube/gorack/awg"
	"github.jpl.nasa.gov/bdube/gorack/dac"
	"github.jpl.nasa.gov/bdube/gorack/rack"
)

// humble JSON containers, so clients do not need full structs for
// scalar exchanges
type humbleF64 struct {
	F64 float64 `json:"f64"`
}

type humbleInt struct {
	Int int `json:"int"`
}

type humbleBool struct {
	Bool bool `json:"bool"`
}

type humbleStr struct {
	Str string `json:"str"`
}

func jsonOK(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// httpErr maps driver errors to status codes; range errors are the
// client's fault
func httpErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, rack.ErrOutOfRange) {
		code = http.StatusBadRequest
	}
	http.Error(w, err.Error(), code)
}

func channelParam(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "ch"))
}

// BuildMux assembles the HTTP interface: chassis telemetry and controls
// at the root, one subrouter per configured module
func BuildMux(c Config, s *rack.Session, logger *zap.Logger) (chi.Router, error) {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	bindChassis(r, s)

	seen := map[string]bool{}
	for _, m := range c.Modules {
		url := "/" + strings.Trim(m.URL, "/")
		if url == "/" {
			return nil, fmt.Errorf("module in slot %d has no URL", m.Addr)
		}
		if seen[url] {
			return nil, fmt.Errorf("two modules share the URL %s", url)
		}
		seen[url] = true
		var (
			sub chi.Router
			err error
		)
		switch strings.ToLower(m.Type) {
		case "d5a":
			sub, err = buildD5a(s, m, logger)
		case "b2b":
			sub, err = buildB2b(s, m, logger)
		case "s5k":
			sub, err = buildS5k(s, m, logger)
		default:
			err = fmt.Errorf("unknown module type %q in slot %d", m.Type, m.Addr)
		}
		if err != nil {
			return nil, err
		}
		r.Mount(url+"/", sub)
	}
	return r, nil
}

func bindChassis(r chi.Router, s *rack.Session) {
	r.Get("/firmware-version", func(w http.ResponseWriter, req *http.Request) {
		fw, err := s.FirmwareVersion()
		if err != nil {
			httpErr(w, err)
			return
		}
		jsonOK(w, humbleStr{Str: fw})
	})
	r.Get("/temperature", func(w http.ResponseWriter, req *http.Request) {
		t, err := s.Temperature()
		if err != nil {
			httpErr(w, err)
			return
		}
		jsonOK(w, humbleF64{F64: t})
	})
	r.Get("/battery", func(w http.ResponseWriter, req *http.Request) {
		vplus, vmin, err := s.Battery()
		if err != nil {
			httpErr(w, err)
			return
		}
		jsonOK(w, struct {
			VPlus float64 `json:"vplus"`
			VMin  float64 `json:"vmin"`
		}{vplus, vmin})
	})
	r.Post("/unlock", func(w http.ResponseWriter, req *http.Request) {
		if err := s.Unlock(); err != nil {
			httpErr(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/lock", func(w http.ResponseWriter, req *http.Request) {
		if err := s.Lock(); err != nil {
			httpErr(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/arm-trigger", func(w http.ResponseWriter, req *http.Request) {
		s.TriggerArm()
		w.WriteHeader(http.StatusOK)
	})
}

func buildD5a(s *rack.Session, m ModuleSetup, logger *zap.Logger) (chi.Router, error) {
	d, err := dac.New(s, m.Addr, m.ResetVoltages, logger)
	if err != nil {
		return nil, err
	}
	r := chi.NewRouter()
	r.Get("/voltage/{ch}", func(w http.ResponseWriter, req *http.Request) {
		ch, err := channelParam(req)
		if err != nil {
			httpErr(w, err)
			return
		}
		v, err := d.Voltage(ch)
		if err != nil {
			httpErr(w, err)
			return
		}
		jsonOK(w, humbleF64{F64: v})
	})
	r.Post("/voltage/{ch}", func(w http.ResponseWriter, req *http.Request) {
		ch, err := channelParam(req)
		if err != nil {
			httpErr(w, err)
			return
		}
		var in humbleF64
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := d.SetVoltage(ch, in.F64); err != nil {
			httpErr(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/span/{ch}", func(w http.ResponseWriter, req *http.Request) {
		ch, err := channelParam(req)
		if err != nil {
			httpErr(w, err)
			return
		}
		var in humbleInt
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := d.ChangeSpanUpdate(ch, dac.Span(in.Int)); err != nil {
			httpErr(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/settings/{ch}", func(w http.ResponseWriter, req *http.Request) {
		ch, err := channelParam(req)
		if err != nil {
			httpErr(w, err)
			return
		}
		v, span, err := d.Settings(ch)
		if err != nil {
			httpErr(w, err)
			return
		}
		jsonOK(w, struct {
			Voltage float64 `json:"voltage"`
			Span    int     `json:"span"`
		}{v, int(span)})
	})
	r.Get("/stepsize/{ch}", func(w http.ResponseWriter, req *http.Request) {
		ch, err := channelParam(req)
		if err != nil {
			httpErr(w, err)
			return
		}
		step, err := d.Stepsize(ch)
		if err != nil {
			httpErr(w, err)
			return
		}
		jsonOK(w, humbleF64{F64: step})
	})
	return r, nil
}

// acqConfig is the JSON shape of one acquisition setup
type acqConfig struct {
	TriggerSource string `json:"trigger_source"` // software, controller, module
	TriggerAmount int    `json:"trigger_amount"`
	HoldoffNS     int64  `json:"holdoff_ns"`
	Channels      []struct {
		Channel      int    `json:"channel"`
		Enabled      bool   `json:"enabled"`
		SampleAmount int    `json:"sample_amount"`
		FilterRate   int    `json:"filter_rate"`
		FilterType   string `json:"filter_type"` // sinc3, sinc5
	} `json:"channels"`
}

func buildB2b(s *rack.Session, m ModuleSetup, logger *zap.Logger) (chi.Router, error) {
	b, err := adc.New(s, m.Addr, logger)
	if err != nil {
		return nil, err
	}
	r := chi.NewRouter()
	r.Post("/config", func(w http.ResponseWriter, req *http.Request) {
		var in acqConfig
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := applyAcqConfig(b, in); err != nil {
			httpErr(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/trigger", func(w http.ResponseWriter, req *http.Request) {
		if err := b.SoftwareTrigger(); err != nil {
			httpErr(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/running", func(w http.ResponseWriter, req *http.Request) {
		running, err := b.IsRunning()
		if err != nil {
			httpErr(w, err)
			return
		}
		jsonOK(w, humbleBool{Bool: running})
	})
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		st, err := b.Status()
		if err != nil {
			httpErr(w, err)
			return
		}
		jsonOK(w, humbleStr{Str: st.String()})
	})
	r.Get("/data", func(w http.ResponseWriter, req *http.Request) {
		ch0, ch1, err := b.Data()
		if err != nil {
			if errors.Is(err, adc.ErrNotReady) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			httpErr(w, err)
			return
		}
		jsonOK(w, struct {
			Ch0 []float64 `json:"ch0"`
			Ch1 []float64 `json:"ch1"`
		}{ch0, ch1})
	})
	r.Post("/cancel", func(w http.ResponseWriter, req *http.Request) {
		if err := b.Cancel(); err != nil {
			httpErr(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return r, nil
}

func applyAcqConfig(b *adc.B2b, in acqConfig) error {
	if in.TriggerSource != "" {
		var src adc.TriggerSource
		switch strings.ToLower(in.TriggerSource) {
		case "software":
			src = adc.TriggerSoftware
		case "controller":
			src = adc.TriggerController
		case "module":
			src = adc.TriggerModule
		default:
			return fmt.Errorf("%w: trigger source %q", rack.ErrOutOfRange, in.TriggerSource)
		}
		if err := b.SetTriggerSource(src); err != nil {
			return err
		}
	}
	if in.TriggerAmount != 0 {
		if err := b.SetTriggerAmount(in.TriggerAmount); err != nil {
			return err
		}
	}
	if err := b.SetHoldoff(time.Duration(in.HoldoffNS) * time.Nanosecond); err != nil {
		return err
	}
	for _, ch := range in.Channels {
		if err := b.SetEnabled(ch.Channel, ch.Enabled); err != nil {
			return err
		}
		if !ch.Enabled {
			continue
		}
		if err := b.SetSampleAmount(ch.Channel, ch.SampleAmount); err != nil {
			return err
		}
		if err := b.SetFilterRate(ch.Channel, ch.FilterRate); err != nil {
			return err
		}
		if ch.FilterType != "" {
			ft := adc.FilterSinc5
			switch strings.ToLower(ch.FilterType) {
			case "sinc5":
			case "sinc3":
				ft = adc.FilterSinc3
			default:
				return fmt.Errorf("%w: filter type %q", rack.ErrOutOfRange, ch.FilterType)
			}
			if err := b.SetFilterType(ch.Channel, ft); err != nil {
				return err
			}
		}
	}
	return nil
}

func buildS5k(s *rack.Session, m ModuleSetup, logger *zap.Logger) (chi.Router, error) {
	a, err := awg.New(s, m.Addr, logger)
	if err != nil {
		return nil, err
	}
	r := chi.NewRouter()
	r.Post("/waveform", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			Channel          int     `json:"channel"`
			Offset           int     `json:"offset"`
			Samples          []int16 `json:"samples"`
			SetPatternLength bool    `json:"set_pattern_length"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := a.UploadWaveform(in.Channel, in.Samples, in.Offset, in.SetPatternLength); err != nil {
			httpErr(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/gain", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			Channel int     `json:"channel"`
			F64     float64 `json:"f64"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := a.SetDigitalGain(in.Channel, in.F64); err != nil {
			httpErr(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/clock-division", func(w http.ResponseWriter, req *http.Request) {
		var in struct {
			Channel int `json:"channel"`
			Int     int `json:"int"`
		}
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := a.SetClockDivision(in.Channel, in.Int); err != nil {
			httpErr(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/clock-source", func(w http.ResponseWriter, req *http.Request) {
		var in humbleStr
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		src := awg.ClockInternal
		if strings.EqualFold(in.Str, "external") {
			src = awg.ClockExternal
		}
		if err := a.SetClockSource(src); err != nil {
			httpErr(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/compensate-delays", func(w http.ResponseWriter, req *http.Request) {
		if err := a.CompensateTriggerDelays(); err != nil {
			httpErr(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return r, nil
}
