// MIT License
//
// Copyright (c) 2024 TTBT Enterprises LLC
// Copyright (c) 2024 Robin Thellend <rthellend@rthellend.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package server

import (
	"bytes"
	"testing"

	"github.com/c2FmZQ/tpm"
	"github.com/google/go-tpm-tools/simulator"
)

func TestOpenMasterKey(t *testing.T) {
	rwc, err := simulator.Get()
	if err != nil {
		t.Fatalf("simulator.Get: %v", err)
	}
	tpmSim, err := tpm.New(tpm.WithTPM(rwc))
	if err != nil {
		t.Fatalf("tpm.New: %v", err)
	}
	defer tpmSim.Close()

	for _, tc := range []struct {
		name string
		tpm  *tpm.TPM
	}{
		{"Without TPM", nil},
		{"With TPM", tpmSim},
	} {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			mk1, err := openMasterKey(dir, []byte("passphrase"), tc.tpm, logger{t.Logf, t.Log})
			if err != nil {
				t.Fatalf("openMasterKey: %v", err)
			}
			defer mk1.Wipe()
			enc, err := mk1.Encrypt([]byte("hello"))
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}

			// The second call reads the key that the first one saved.
			mk2, err := openMasterKey(dir, []byte("passphrase"), tc.tpm, logger{t.Logf, t.Log})
			if err != nil {
				t.Fatalf("openMasterKey: %v", err)
			}
			defer mk2.Wipe()
			dec, err := mk2.Decrypt(enc)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if !bytes.Equal(dec, []byte("hello")) {
				t.Errorf("Decrypt() = %q, want hello", dec)
			}

			if _, err := openMasterKey(dir, []byte("wrong"), tc.tpm, logger{t.Logf, t.Log}); err == nil {
				t.Error("openMasterKey with the wrong passphrase succeeded")
			}
		})
	}
}
