package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/lego"
	log "github.com/sirupsen/logrus"

	"github.com/urfave/cli/v2"

	"github.com/certforge/certforge/internal/server"
)

const envPort = "CERTFORGE_PORT"
const envUseTLS = "CERTFORGE_TLS"
const envHost = "CERTFORGE_HOSTNAME"
const envDBPath = "CERTFORGE_DB_PATH"

const envACMEDirectory = "CERTFORGE_ACME_CA_DIRECTORY"
const envACMETOSAccept = "CERTFORGE_ACME_TOS_ACCEPT"
const envTLSEmail = "CERTFORGE_TLS_EMAIL"
const envACMEKeyType = "CERTFORGE_KEY_TYPE"
const envPublicResolvers = "CERTFORGE_PUBLIC_RESOLVERS"
const envSessionTTL = "CERTFORGE_SESSION_TTL"

func strIsTruthy(str string) bool {
	l := strings.TrimSpace(strings.ToLower(str))
	return l == "yes" || l == "true" || l == "1"
}

func getKeytype(keystr string) certcrypto.KeyType {
	l := strings.TrimSpace(strings.ToLower(keystr))
	switch l {
	case "rsa", "rsa2048":
		return certcrypto.RSA2048
	case "rsa3072":
		return certcrypto.RSA3072
	case "rsa4096":
		return certcrypto.RSA4096
	case "rsa8192":
		return certcrypto.RSA8192
	case "ec256":
		return certcrypto.EC256
	case "ec384":
		return certcrypto.EC384
	}
	return certcrypto.RSA2048
}

func runServe(cCtx *cli.Context) error {
	port := os.Getenv(envPort)
	if port == "" {
		port = "443"
	}

	useTLS := false
	useTLSStr := os.Getenv(envUseTLS)
	if strIsTruthy(useTLSStr) || (useTLSStr == "" && port == "443") {
		useTLS = true
	}

	if !strIsTruthy(os.Getenv(envACMETOSAccept)) {
		return fmt.Errorf("please indicate that you accept the terms-of-service for your ACME provider by setting %s=true", envACMETOSAccept)
	}

	hostname := os.Getenv(envHost)
	if useTLS && hostname == "" {
		return fmt.Errorf("please provide a hostname in %s when TLS is enabled", envHost)
	}

	acmeDirectory := os.Getenv(envACMEDirectory)
	if acmeDirectory == "" {
		acmeDirectory = lego.LEDirectoryProduction
		log.Infof("No ACME directory specified, defaulting to %s", acmeDirectory)
	}

	tlsEmail := os.Getenv(envTLSEmail)
	if useTLS && tlsEmail == "" {
		log.Warnf("No email was provided to %s. Most ACME providers require this, please consider setting one.", envTLSEmail)
	}

	dbPath := os.Getenv(envDBPath)
	if dbPath == "" {
		dbPath = "./certforge.db"
	}

	dnsServerStr := os.Getenv(envPublicResolvers)
	publicResolvers := []string{"1.1.1.1", "8.8.8.8"}
	if dnsServerStr != "" {
		publicResolvers = strings.Split(dnsServerStr, ",")
	} else {
		log.Infof("Using default public DNS resolvers of %v", publicResolvers)
	}

	sessionTTL := time.Hour
	if ttlStr := os.Getenv(envSessionTTL); ttlStr != "" {
		parsed, err := time.ParseDuration(ttlStr)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %v", envSessionTTL, err)
		}
		sessionTTL = parsed
	}

	return server.Listen(server.Config{
		Port:               port,
		CADirectory:        acmeDirectory,
		PublicDNSResolvers: publicResolvers,
		DBPath:             dbPath,
		KeyType:            getKeytype(os.Getenv(envACMEKeyType)),
		SessionTTL:         sessionTTL,

		UseTLS:   useTLS,
		Hostname: hostname,
		Email:    tlsEmail,
	})
}

func main() {
	log.SetLevel(log.DebugLevel)

	app := &cli.App{
		Name:        "CertForge",
		Description: "CertForge obtains TLS certificates over ACME dns-01, computing the TXT records for you to publish",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the CertForge server",
				Action: runServe,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
