// https://github.com/sandboxvm/x86core
//
// Copyright (c) The x86core Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package snapshot

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	tagRIP uint16 = 1
	tagRAX uint16 = 2
)

var deviceIDDiskController = [4]byte{'D', 'S', 'K', 'C'}

func buildCPUDevice(rip, rax uint64) []byte {
	w := NewFieldWriter([4]byte{'C', 'P', 'U', '0'}, Version{Major: 1})
	w.FieldU64(tagRIP, rip)
	w.FieldU64(tagRAX, rax)
	return w.Finish()
}

func TestFieldRoundTrip(t *testing.T) {
	entry := buildCPUDevice(0x1000, 0xdeadbeef)

	r, n, err := ParseFieldReader(entry)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n != len(entry) {
		t.Fatalf("consumed %d, want %d", n, len(entry))
	}

	if v, ok := r.U64(tagRIP); !ok || v != 0x1000 {
		t.Errorf("RIP = %#x, ok=%v", v, ok)
	}
	if v, ok := r.U64(tagRAX); !ok || v != 0xdeadbeef {
		t.Errorf("RAX = %#x, ok=%v", v, ok)
	}
	if err := r.EnsureDeviceMajor(1); err != nil {
		t.Errorf("unexpected version mismatch: %v", err)
	}
	if err := r.EnsureDeviceMajor(2); err == nil {
		t.Error("expected version mismatch against major 2")
	}
}

// save(S).then(load).then(save) must produce a byte-identical blob to
// save(S), given a fixed device-serialization order.
func TestSaveLoadSaveDeterminism(t *testing.T) {
	diskW := NewFieldWriter(deviceIDDiskController, Version{Major: 1})
	diskW.FieldU32(1, 42)

	b1 := NewBuilder()
	b1.AddDevices([][]byte{
		buildCPUDevice(0x1000, 1),
		diskW.Finish(),
	})
	blob1 := b1.Finish()

	c, err := Parse(blob1)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	devices, err := c.Devices()
	if err != nil {
		t.Fatalf("devices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}

	var reencoded [][]byte
	for _, d := range devices {
		w := NewFieldWriter(d.DeviceID(), d.Version())
		if rip, ok := d.U64(tagRIP); ok {
			w.FieldU64(tagRIP, rip)
		}
		if rax, ok := d.U64(tagRAX); ok {
			w.FieldU64(tagRAX, rax)
		}
		if d.DeviceID() == deviceIDDiskController {
			if v, ok := d.U32(1); ok {
				w.FieldU32(1, v)
			}
		}
		reencoded = append(reencoded, w.Finish())
	}

	b2 := NewBuilder()
	b2.AddDevices(reencoded)
	blob2 := b2.Finish()

	if !bytes.Equal(blob1, blob2) {
		t.Fatalf("save/load/save not deterministic:\n  blob1=%x\n  blob2=%x", blob1, blob2)
	}
}

func TestSealRoundTrip(t *testing.T) {
	b := NewBuilder()
	b.AddDevices([][]byte{buildCPUDevice(0x2000, 7)})
	plain := b.Finish()

	var key [chacha20poly1305.KeySize]byte
	var nonce [chacha20poly1305.NonceSize]byte
	for i := range key {
		key[i] = byte(i)
	}

	sealed, err := Seal(key, nonce, plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	opened, err := Open(key, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Fatal("opened plaintext does not match original container")
	}

	var wrongKey [chacha20poly1305.KeySize]byte
	wrongKey[0] = 0xff
	if _, err := Open(wrongKey, sealed); err == nil {
		t.Fatal("expected open to fail under the wrong key")
	}
}

func TestSignatureVerification(t *testing.T) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	b := NewBuilder()
	b.AddDevices([][]byte{buildCPUDevice(0x3000, 9)})
	container := b.Finish()

	sig := Sign(priv, container)

	ok, err := VerifySignature(priv.PubKey(), container, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("signature should verify against the matching container")
	}

	tampered := append([]byte{}, container...)
	tampered[len(tampered)-1] ^= 0xff
	ok, err = VerifySignature(priv.PubKey(), tampered, sig)
	if err != nil {
		t.Fatalf("verify tampered: %v", err)
	}
	if ok {
		t.Fatal("signature should not verify against a tampered container")
	}
}
