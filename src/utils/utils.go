// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package utils implements small file, config, and encoding helpers shared
// by every CLI and daemon in the licensing toolchain.
package utils

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/lowRISC/ovsa-licensing/src/version/buildver"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"
)

// PrintVersion prints (and, if exit is true, terminates the process after
// printing) the build version string.
func PrintVersion(exit bool) string {
	ver := buildver.FormattedStr()
	if exit {
		fmt.Println(ver)
		os.Exit(0)
	}
	log.Print(ver)
	return ver
}

// GetCurrentTimestamp returns the current time formatted for use in
// generated file names, e.g. backup log names.
func GetCurrentTimestamp() string {
	now := time.Now()
	ts := now.Format("20060102_150405")
	ms := now.UnixNano() / int64(time.Millisecond) % 1000
	return fmt.Sprintf("%s_%03d", ts, ms)
}

// GenerateRandom returns length bytes of cryptographically secure random
// data.
func GenerateRandom(length int) ([]byte, error) {
	data := make([]byte, length)
	if _, err := rand.Read(data); err != nil {
		return nil, fmt.Errorf("fail to generate data, error: %v", err)
	}
	return data, nil
}

// ReadFile reads the entire contents of filename.
func ReadFile(filename string) ([]byte, error) {
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return nil, fmt.Errorf("file does not exist: %q, error: %v", filename, err)
	}
	return os.ReadFile(filename)
}

// ReadFileFromDir reads filename relative to configDir.
func ReadFileFromDir(configDir, filename string) ([]byte, error) {
	absPath := filepath.Join(configDir, filename)
	data, err := ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read file: %q, error: %v", absPath, err)
	}
	return data, nil
}

// WriteFile creates (or truncates) name and writes data to it with the
// given permissions.
func WriteFile(name string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err1 := f.Close(); err1 != nil && err == nil {
		err = err1
	}
	return err
}

// WriteFileToDir writes data to filename relative to configDir.
func WriteFileToDir(configDir, filename string, data []byte) error {
	absPath := filepath.Join(configDir, filename)
	log.Printf("Debug: write data record to path %q", absPath)
	if err := WriteFile(absPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write data to path %q: %v", absPath, err)
	}
	return nil
}

func setDefaults(config interface{}) {
	t := reflect.TypeOf(config).Elem()
	v := reflect.ValueOf(config).Elem()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)

		defaultTag := field.Tag.Get("default")
		if defaultTag != "" && value.Interface() == reflect.Zero(value.Type()).Interface() {
			value.Set(reflect.ValueOf(defaultTag))
		}
	}
}

// LoadConfig reads a YAML configuration file from configDir/configFile and
// unmarshals it into v, then fills any zero-valued field tagged
// `default:"..."`.
func LoadConfig(configDir, configFile string, v interface{}) error {
	yamlData, err := ReadFileFromDir(configDir, configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration file: %v", err)
	}
	if err := yaml.Unmarshal(yamlData, v); err != nil {
		return fmt.Errorf("failed to unmarshal configuration file: %v", err)
	}
	setDefaults(v)
	return nil
}

// LoadJSONConfig reads a JSON configuration file from configPath and
// unmarshals it into v.
func LoadJSONConfig(configPath string, v interface{}) error {
	data, err := ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration file: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal configuration file: %v", err)
	}
	return nil
}

// LoadCertFromFile reads a DER-encoded certificate file relative to
// configDir and parses it.
func LoadCertFromFile(configDir, filename string) (*x509.Certificate, error) {
	der, err := ReadFileFromDir(configDir, filename)
	if err != nil {
		return nil, fmt.Errorf("unable to read certificate file, error: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("unable to parse certificate, error: %v", err)
	}
	return cert, nil
}

// LoadPEMCertFromFile reads a PEM-encoded certificate file and parses it.
func LoadPEMCertFromFile(path string) (*x509.Certificate, error) {
	data, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %q", path)
	}
	return x509.ParseCertificate(block.Bytes)
}

// GenerateHashFromPassword hashes data with bcrypt at the default cost.
func GenerateHashFromPassword(data []byte) ([]byte, error) {
	hashData, err := bcrypt.GenerateFromPassword(data, bcrypt.DefaultCost)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "generate hash fail: %q", err)
	}
	return hashData, nil
}

// CompareHashAndPassword reports whether password matches hashedPassword.
func CompareHashAndPassword(hashedPassword, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)); err != nil {
		return status.Errorf(codes.Internal, "compare hash fail: %q", err)
	}
	return nil
}

// Base64Encode encodes data as standard base64.
func Base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Base64Decode decodes a standard base64 string.
func Base64Decode(data string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(data)
}

// BlobToPEMString wraps a DER-encoded certificate in a PEM "CERTIFICATE"
// block.
func BlobToPEMString(blob []byte) string {
	block := &pem.Block{Type: "CERTIFICATE", Bytes: blob}
	return string(pem.EncodeToMemory(block))
}
