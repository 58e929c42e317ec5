package cert

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Length of the "SHA1 Fingerprint=" label preceding the digest in the
// fingerprint line. The layout is fixed, so the digest is read at this
// offset rather than parsed.
const fingerprintLabelLen = 17

// Extractor derives the identity tokens the provider needs from an X.509
// certificate file by shelling out to the OpenSSL toolchain: the SHA1
// fingerprint and an empty-password PKCS#12 export of the certificate
// without its private key.
type Extractor struct {
	// OpenSSL is the tool to invoke, "openssl" unless overridden.
	OpenSSL string
}

// NewExtractor returns an Extractor using the system openssl.
func NewExtractor() *Extractor {
	return &Extractor{OpenSSL: "openssl"}
}

func (e *Extractor) tool() string {
	if e.OpenSSL != "" {
		return e.OpenSSL
	}
	return "openssl"
}

// Extract returns the certificate's fingerprint (hex, no colons) and its
// PKCS#12 form, base64 encoded. A non-zero exit from either invocation is
// fatal and carries the tool's diagnostic text; there is no retry.
func (e *Extractor) Extract(ctx context.Context, path string) (fingerprint, pkcs12Base64 string, err error) {
	out, err := e.run(ctx, "x509", "-in", path, "-fingerprint", "-noout")
	if err != nil {
		return "", "", err
	}
	fingerprint, err = parseFingerprint(string(out))
	if err != nil {
		return "", "", err
	}

	der, err := e.run(ctx, "pkcs12", "-export", "-in", path, "-nokeys", "-password", "pass:")
	if err != nil {
		return "", "", err
	}

	return fingerprint, base64.StdEncoding.EncodeToString(der), nil
}

// run invokes the tool with stdout captured; stderr is only surfaced in
// the error on failure.
func (e *Extractor) run(ctx context.Context, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, e.tool(), args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s %s failed: %s", e.tool(), args[0],
				strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("failed to run %s: %w", e.tool(), err)
	}
	return out, nil
}

// parseFingerprint extracts the digest from a fingerprint line of the form
//
//	SHA1 Fingerprint=88:60:0B:...:FF
//
// dropping the fixed-width label and the colon separators.
func parseFingerprint(out string) (string, error) {
	line := strings.TrimSpace(out)
	if len(line) <= fingerprintLabelLen {
		return "", fmt.Errorf("unexpected fingerprint output %q", line)
	}
	digest := strings.ReplaceAll(line[fingerprintLabelLen:], ":", "")
	if digest == "" {
		return "", fmt.Errorf("unexpected fingerprint output %q", line)
	}
	return digest, nil
}
