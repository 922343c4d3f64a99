// acqtest is a bench checkout tool for acquisition modules.  It runs a
// software-triggered acquisition and dumps the samples to CSV, which is
// enough to verify a module end to end before handing it to racksrv.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/theckman/yacspin"
	"golang.org/x/time/rate"

	"github.jpl.nasa.gov/bdube/gorack/adc"
	"github.jpl.nasa.gov/bdube/gorack/comm"
	"github.jpl.nasa.gov/bdube/gorack/rack"
	"github.jpl.nasa.gov/bdube/gorack/sim"
)

func main() {
	var (
		simulate = flag.Bool("sim", false, "run against a simulated chassis instead of hardware")
		port     = flag.String("port", "/dev/ttyUSB0", "serial port of the rack controller")
		baud     = flag.Int("baud", 115200, "serial baud rate")
		slot     = flag.Int("slot", 3, "backplane slot of the acquisition module")
		samples  = flag.Int("samples", 10000, "samples to acquire on channel 0")
		pollHz   = flag.Float64("poll", 10, "completion poll rate, Hz")
		out      = flag.String("o", "acq.csv", "output CSV file")
	)
	flag.Parse()

	var s *rack.Session
	if *simulate {
		c := sim.New()
		c.Attach(*slot, sim.NewB2b())
		s = rack.NewSession(c, nil)
	} else {
		t, err := comm.OpenSerial(*port, *baud, time.Second)
		if err != nil {
			log.Fatal(err)
		}
		s = rack.NewSession(t, nil)
	}
	defer s.Close()
	if err := s.Unlock(); err != nil {
		log.Fatal(err)
	}
	fw, err := s.FirmwareVersion()
	if err != nil {
		log.Fatal(err)
	}
	log.Println("connected, controller firmware", fw)

	b, err := adc.New(s, *slot, nil)
	if err != nil {
		log.Fatal(err)
	}
	if err := b.SetTriggerSource(adc.TriggerSoftware); err != nil {
		log.Fatal(err)
	}
	if err := b.SetTriggerAmount(1); err != nil {
		log.Fatal(err)
	}
	if err := b.SetHoldoff(0); err != nil {
		log.Fatal(err)
	}
	if err := b.SetEnabled(0, true); err != nil {
		log.Fatal(err)
	}
	if err := b.SetSampleAmount(0, *samples); err != nil {
		log.Fatal(err)
	}
	period, err := b.SamplePeriod(0)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("acquiring %d samples, %v per sample (%v total)", *samples, period, time.Duration(*samples)*period)

	if err := b.SoftwareTrigger(); err != nil {
		log.Fatal(err)
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency: 100 * time.Millisecond,
		CharSet:   yacspin.CharSets[14],
		Message:   " acquiring",
	})
	if err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	limiter := rate.NewLimiter(rate.Limit(*pollHz), 1)
	ctx := context.Background()
	for {
		if err := limiter.Wait(ctx); err != nil {
			log.Fatal(err)
		}
		running, err := b.IsRunning()
		if err != nil {
			spinner.StopFail()
			log.Fatal(err)
		}
		if !running {
			break
		}
	}
	spinner.Stop()

	ch0, _, err := b.Data()
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("acquired %d samples", len(ch0))

	f, err := os.Create(*out)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	w.Write([]string{"time_s", "volts"})
	dt := period.Seconds()
	for i, v := range ch0 {
		w.Write([]string{
			strconv.FormatFloat(float64(i)*dt, 'g', -1, 64),
			strconv.FormatFloat(v, 'g', -1, 64),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		log.Fatal(err)
	}
	log.Println("wrote", *out)
}
