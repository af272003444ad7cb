package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"net/http"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/go-acme/lego/v4/certcrypto"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/certforge/certforge/internal/acmeclient"
	"github.com/certforge/certforge/internal/dns01"
	"github.com/certforge/certforge/internal/handlers"
	"github.com/certforge/certforge/internal/issuer"
	"github.com/certforge/certforge/internal/store"
	"github.com/certforge/certforge/internal/token"
)

type Config struct {
	Port               string
	CADirectory        string
	PublicDNSResolvers []string
	DBPath             string
	KeyType            certcrypto.KeyType
	SessionTTL         time.Duration

	// TLS for the service's own endpoint. Email is the ACME contact used by
	// certmagic for the service certificate, unrelated to the per-issuance
	// contact emails.
	UseTLS   bool
	Hostname string
	Email    string
}

func Listen(conf Config) error {
	app := echo.New()
	app.HideBanner = true

	app.Use(makeLoggerMiddleware())
	app.Use(middleware.Recover())

	boltStore, err := store.NewBoltStore(conf.DBPath)
	if err != nil {
		return err
	}
	err = boltStore.Seed()
	if err != nil {
		return err
	}

	accountKey, err := loadOrCreateAccountKey(boltStore)
	if err != nil {
		return err
	}

	if conf.SessionTTL == 0 {
		conf.SessionTTL = time.Hour
	}

	acmeClient := acmeclient.New(conf.CADirectory, accountKey)
	checker := dns01.NewChecker(conf.PublicDNSResolvers)
	sealer := token.NewSealer(conf.SessionTTL)

	// Background finalization tasks and the sweeper live for the process.
	rootCtx := context.Background()

	iss := issuer.New(rootCtx, issuer.Config{
		Client:     acmeClient,
		Checker:    checker,
		Store:      boltStore,
		Sealer:     sealer,
		KeyType:    conf.KeyType,
		SessionTTL: conf.SessionTTL,
	})
	go iss.RunMaintenance(rootCtx)

	h := handlers.Handlers{
		Issuer: iss,
	}

	api := app.Group("/api/v1")
	api.POST("/issuances", h.StartIssuance)
	api.GET("/issuances/:token/dns", h.CheckDNSStatus)
	api.POST("/issuances/:token/complete", h.CompleteIssuance)
	api.GET("/certificates/renewable", h.ListRenewable)
	api.GET("/certificates/:domain", h.GetCertificate)

	if !conf.UseTLS {
		log.Info("Listening on plain HTTP...")
		return app.Start(":" + conf.Port)
	}

	log.Info("Configuring certmagic and listening with TLS...")
	certmagic.DefaultACME.Email = conf.Email
	certmagic.DefaultACME.CA = conf.CADirectory
	certmagic.DefaultACME.Agreed = true

	tlsConf, err := certmagic.TLS([]string{conf.Hostname})
	if err != nil {
		return err
	}

	s := http.Server{
		Addr:      ":" + conf.Port,
		Handler:   app,
		TLSConfig: tlsConf,
	}
	return s.ListenAndServeTLS("", "")
}

// loadOrCreateAccountKey keeps one ACME account key per store, generated on
// first boot.
func loadOrCreateAccountKey(st store.Store) (*ecdsa.PrivateKey, error) {
	existing, err := st.GetAccountKey()
	if err == nil {
		key, err := x509.ParseECPrivateKey(existing)
		if err != nil {
			return nil, fmt.Errorf("couldn't unmarshal existing account key: %v", err)
		}
		log.Info("Using existing account keypair...")
		return key, nil
	}
	if !store.IsErrNotFound(err) {
		return nil, err
	}

	log.Info("Generating account keypair...")
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	err = st.SaveAccountKey(der)
	if err != nil {
		return nil, err
	}
	return key, nil
}
