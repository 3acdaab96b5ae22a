package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/iit-edl/hpu"
	"github.com/iit-edl/hpu/config"
	"github.com/iit-edl/hpu/util"
	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"
)

var logger service.Logger

type program struct {
	configPath *string
	configTest *bool
	build      string
	control    *hpu.Control
}

func (p *program) Start(s service.Service) error {
	// Start should not block.
	logger.Info("HPU stream service starting.")

	l := logrus.New()
	HookLogger(l)

	c := config.NewC(l)
	err := c.Load(*p.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	p.control, err = hpu.Main(c, *p.configTest, p.build, l)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to start", err, l)
		return err
	}

	p.control.Start()
	c.CatchHUP(p.control.Context())
	return nil
}

func (p *program) Stop(s service.Service) error {
	logger.Info("HPU stream service stopping.")
	if p.control != nil {
		p.control.Stop()
	}
	return nil
}

func doService(configPath *string, configTest *bool, build string, serviceFlag *string) error {
	if *configPath == "" {
		ex, err := os.Executable()
		if err != nil {
			return err
		}
		*configPath = filepath.Dir(ex) + "/config.yaml"
	}

	svcConfig := &service.Config{
		Name:        "HPUStream",
		DisplayName: "HPU Event Stream",
		Description: "Streams events between the HPU core and a sink",
		Arguments:   []string{"-service", "run", "-config", *configPath},
	}

	prg := &program{
		configPath: configPath,
		configTest: configTest,
		build:      build,
	}

	s, err := service.New(prg, svcConfig)
	if err != nil {
		return err
	}

	errs := make(chan error, 5)
	logger, err = s.Logger(errs)
	if err != nil {
		return err
	}

	go func() {
		for {
			err := <-errs
			if err != nil {
				log.Print(err)
			}
		}
	}()

	switch *serviceFlag {
	case "run":
		return s.Run()
	default:
		err := service.Control(s, *serviceFlag)
		if err != nil {
			log.Printf("Valid actions: %q\n", service.ControlAction)
			return err
		}
		return nil
	}
}
