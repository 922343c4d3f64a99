package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"go.uber.org/zap"

	yml "gopkg.in/yaml.v2"

	"github.jpl.nasa.gov/bdube/gorack/comm"
	"github.jpl.nasa.gov/bdube/gorack/rack"
	"github.jpl.nasa.gov/bdube/gorack/sim"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "racksrv.yml"
	k              = koanf.New(".")
)

// ModuleSetup describes one module in the chassis and where to serve it
type ModuleSetup struct {
	// Addr is the backplane slot, 1..15
	Addr int `yaml:"Addr"`

	// Type is the module type, one of d5a, b2b, s5k
	Type string `yaml:"Type"`

	// URL is the route the module is served under
	URL string `yaml:"URL"`

	// ResetVoltages ramps a d5a to zero on startup
	ResetVoltages bool `yaml:"ResetVoltages"`
}

// Config is the top-level server configuration
type Config struct {
	// Addr is the listen address of the HTTP server
	Addr string `yaml:"Addr"`

	// Port is the serial port the controller is on
	Port string `yaml:"Port"`

	// Baud is the serial baud rate
	Baud int `yaml:"Baud"`

	// TimeoutMS is the serial read timeout in milliseconds
	TimeoutMS int `yaml:"TimeoutMS"`

	// Sim replaces the serial link with a simulated chassis
	Sim bool `yaml:"Sim"`

	Modules []ModuleSetup `yaml:"Modules"`
}

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr:      ":8000",
		Port:      "/dev/ttyUSB0",
		Baud:      115200,
		TimeoutMS: 1000,
		Modules:   []ModuleSetup{}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `racksrv communicates with a modular instrumentation chassis over a serial
link and exposes an HTTP interface to its modules.  This enables a
server-client architecture, and the clients can leverage the excellent
HTTP libraries for any programming language.

Usage:
	racksrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `racksrv is amenable to configuration via its .yaml file.  For a primer on
YAML, see https://yaml.org/start.html

Without any modules configured the server still runs and serves chassis
telemetry (firmware version, temperature, battery rails) plus the
lock/unlock and trigger-arm controls.

Set Sim: true to run against a fully simulated chassis; one module of
each type is installed in slots 2 (d5a), 3 (b2b) and 4 (s5k).  This is
useful for developing clients with no hardware on the bench.

Module types, case insensitive:
- d5a: 16-channel 18-bit precision voltage source
	> GET  <URL>/voltage/{ch}       last written voltage
	> POST <URL>/voltage/{ch}       {"f64": volts}
	> POST <URL>/span/{ch}          {"int": span}
	> GET  <URL>/settings/{ch}      voltage and span read back from hardware
- b2b: 2-channel 24-bit acquisition module
	> POST <URL>/config             acquisition setup, JSON body
	> POST <URL>/trigger            software trigger
	> GET  <URL>/running            poll for completion
	> GET  <URL>/data               samples in volts, 404 while running
	> POST <URL>/cancel
- s5k: 8-channel 12-bit arbitrary waveform module
	> POST <URL>/waveform           {"channel": n, "offset": n, "samples": [...]}
	> POST <URL>/gain               {"channel": n, "f64": gain}
	> POST <URL>/clock-division     {"channel": n, "int": div}
	> POST <URL>/compensate-delays

At power-up the chassis is write protected; racksrv unlocks it once at
startup.  POST /lock restores write protection, POST /unlock releases it
again without restarting the server.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("racksrv version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	var s *rack.Session
	if c.Sim {
		chassis := sim.New()
		chassis.Attach(2, sim.NewD5a())
		chassis.Attach(3, sim.NewB2b())
		chassis.Attach(4, sim.NewS5k())
		s = rack.NewSession(chassis, logger)
		if len(c.Modules) == 0 {
			c.Modules = []ModuleSetup{
				{Addr: 2, Type: "d5a", URL: "/d5a"},
				{Addr: 3, Type: "b2b", URL: "/b2b"},
				{Addr: 4, Type: "s5k", URL: "/s5k"},
			}
		}
		log.Println("running against a simulated chassis")
	} else {
		var t *comm.Serial
		t, err = comm.OpenSerial(c.Port, c.Baud, time.Duration(c.TimeoutMS)*time.Millisecond)
		if err != nil {
			log.Fatalf("opening %s: %v", c.Port, err)
		}
		s = rack.NewSession(t, logger)
	}
	defer s.Close()
	if err = s.Unlock(); err != nil {
		log.Fatalf("unlocking the chassis: %v", err)
	}
	fw, err := s.FirmwareVersion()
	if err != nil {
		log.Fatalf("querying firmware: %v", err)
	}
	log.Println("connected to chassis, controller firmware", fw)

	mux, err := BuildMux(c, s, logger)
	if err != nil {
		log.Fatal(err)
	}
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, mux))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
