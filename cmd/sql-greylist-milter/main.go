package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jmhodges/clock"
	"golang.org/x/sys/unix"

	greylist "github.com/daviessm/sql-greylist-milter"
	"github.com/daviessm/sql-greylist-milter/util"
)

func main() {

	log.SetFlags(0) // no log prefixes required, systemd-journald adds them

	configPath := os.Getenv("SQL_GREYLIST_MILTER_CONFIG")
	if configPath == "" {
		configPath = "/etc/sql-greylist-milter.toml"
	}
	flag.StringVar(&configPath, "config", configPath, "`path` of the configuration file")
	flag.Parse()

	settings, err := greylist.LoadSettings(configPath)
	if err != nil {
		log.Fatalf("error reading configuration: %v", err)
	}

	// database

	driver, dsn := settings.DriverDSN()

	db, err := greylist.OpenDatabase(driver, dsn)
	if err != nil {
		log.Fatalf("error opening database: %v", err)
	}
	defer db.Close()

	log.Printf(`database: %s "%s"`, driver, settings.Database.DbName)

	// filter

	filter := &greylist.Filter{
		DB: db,
		Classifier: &greylist.Classifier{
			DB:              db,
			Clock:           clock.New(),
			AllowedNetworks: settings.AllowFromNetworks(),
			GreylistSeconds: settings.GreylistTimeSeconds(),
		},
		Rewrites:       settings.Rewrites(),
		SpamRecipients: settings.SpamRecipients(),
	}

	if filter.Classifier.GreylistSeconds == 0 {
		log.Printf(greylist.WarnFormat, "greylisting is disabled, unknown mail will be accepted")
	}

	// servers

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	// milter server

	milterAddr := settings.Milter.ListenAddress
	if !strings.Contains(milterAddr, ":") {
		// a unix socket, make sure we can create it
		if unix.Access(filepath.Dir(milterAddr), unix.W_OK) != nil {
			log.Fatalf("socket directory %s is not writeable", filepath.Dir(milterAddr))
		}
	}

	milterListener, err := util.Listen(milterAddr)
	if err != nil {
		log.Fatalf("error creating milter socket: %v", err)
	}

	milterServer := greylist.NewMilterServer(filter)

	go func() {
		if err := milterServer.Serve(milterListener); err != nil {
			log.Printf("milter server error: %v", err)
			shutdownChan <- syscall.SIGINT
		}
	}()

	log.Printf("milter listener: %s", milterAddr)

	// admin server

	var adminServer *http.Server

	if settings.Admin.ListenAddress != "" {
		adminListener, err := util.Listen(settings.Admin.ListenAddress)
		if err != nil {
			log.Fatalf("error creating admin socket: %v", err)
		}

		admin := &greylist.AdminServer{DB: db}
		adminServer = admin.NewServer()

		go func() {
			if err := adminServer.Serve(adminListener); err != nil && err != http.ErrServerClosed {
				log.Printf("admin server error: %v", err)
				shutdownChan <- syscall.SIGINT
			}
		}()

		log.Printf("admin listener: %s", settings.Admin.ListenAddress)
	}

	// graceful shutdown

	log.Printf("running")

	<-shutdownChan
	log.Println("received shutdown signal")
	milterServer.Close()
	if adminServer != nil {
		adminServer.Close()
	}
	filter.Waiting.Wait()
	log.Printf("exiting")
}
