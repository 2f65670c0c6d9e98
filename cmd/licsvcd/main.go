// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package main provides the license service daemon: the mTLS accept loop
// that validates customer licenses over the network, per spec section 4.5.
package main

import (
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"net"

	"github.com/lowRISC/ovsa-licensing/src/licsvc"
	"github.com/lowRISC/ovsa-licensing/src/licsvc/store"
	ovsalog "github.com/lowRISC/ovsa-licensing/src/logger"
	"github.com/lowRISC/ovsa-licensing/src/utils"
)

var (
	listenAddr  = flag.String("listen_addr", ":4433", "Address to listen on")
	serverCert  = flag.String("server_cert", "", "PEM certificate this service presents; required")
	serverKey   = flag.String("server_key", "", "PEM private key matching --server_cert; required")
	clientCACrt = flag.String("client_ca_cert", "", "PEM certificate of the customer CA this service trusts for client authentication; required")
	dbPath      = flag.String("db", "", "Path to the license database; required")
	logFile     = flag.String("log_file", "", "Optional log file path")
	version     = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()
	utils.PrintVersion(*version)

	modLog, err := ovsalog.NewLogger("licsvcd", *logFile)
	if err != nil {
		log.Fatalf("could not create logger: %v", err)
	}

	if *serverCert == "" || *serverKey == "" || *clientCACrt == "" || *dbPath == "" {
		log.Fatal("--server_cert, --server_key, --client_ca_cert, and --db are required")
	}

	tlsCert, err := tls.LoadX509KeyPair(*serverCert, *serverKey)
	if err != nil {
		log.Fatalf("could not load server certificate/key: %v", err)
	}

	caPEM, err := utils.ReadFile(*clientCACrt)
	if err != nil {
		log.Fatalf("could not read client CA certificate: %v", err)
	}
	clientCAs := x509.NewCertPool()
	if !clientCAs.AppendCertsFromPEM(caPEM) {
		log.Fatal("could not parse client CA certificate")
	}
	clientCACert, err := utils.LoadPEMCertFromFile(*clientCACrt)
	if err != nil {
		log.Fatalf("could not parse client CA certificate: %v", err)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("could not open license database: %v", err)
	}
	defer st.Close()

	srv := licsvc.NewServer(st, &tls.Config{
		Certificates:          []tls.Certificate{tlsCert},
		ClientAuth:            tls.RequireAndVerifyClientCert,
		ClientCAs:             clientCAs,
		VerifyPeerCertificate: licsvc.VerifyPeerClientCert(nil, clientCACert),
	}, nil, modLog)

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("could not listen on %s: %v", *listenAddr, err)
	}
	modLog.Info(fmt.Errorf("license service listening on %s", ln.Addr().String()))

	if err := srv.Serve(ln); err != nil {
		modLog.Error(err)
		log.Fatalf("license service stopped: %v", err)
	}
}
