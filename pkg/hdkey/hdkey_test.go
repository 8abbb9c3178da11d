package hdkey

import (
	"errors"
	"strings"
	"testing"
)

// Account-level key and addresses from the BIP84 test vectors
// (mnemonic "abandon abandon ... about", account m/84'/0'/0').
const bip84AccountZpub = "zpub6rFR7y4Q2AijBEqTUquhVz398htDFrtymD9xYYfG1m4wAcvPhXNfE3EfH1r1ADqtfSdVCToUG868RvUUkgDKf31mGDtKsAYz2oz2AGutZYs"

// Master public key from BIP32 test vector 1.
const bip32MasterXpub = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"

// Master private key from BIP32 test vector 1, must be rejected.
const bip32MasterXprv = "xprv9s21ZrQH143K3QTDL4LXw2F7HEK3wJUD2nW2nRk4stbPy6cq3jPPqjiChkVvvNKmPGJxWUtg6LnF5kejMRNNU3TGtRBeJgk33yuGBxrMPHi"

func TestBIP84Vectors(t *testing.T) {
	account, err := ParseExtendedKey(bip84AccountZpub)
	if err != nil {
		t.Fatalf("expected no error parsing account zpub, got %v", err)
	}
	if account.Network() != NetworkMainnet {
		t.Fatalf("expected mainnet, got %s", account.Network())
	}

	cases := []struct {
		change uint32
		index  uint32
		want   string
	}{
		{0, 0, "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"},
		{0, 1, "bc1qnjg0jd8228aq7egyzacy8cys3knf9xvrerkf9g"},
		{1, 0, "bc1q8c6fshw2dlwun7ekn9qwf37cu2rn755upcp6el"},
	}

	for _, tc := range cases {
		chain, err := account.Child(tc.change)
		if err != nil {
			t.Fatalf("failed to derive chain %d: %v", tc.change, err)
		}

		child, err := chain.Child(tc.index)
		if err != nil {
			t.Fatalf("failed to derive child %d/%d: %v", tc.change, tc.index, err)
		}

		addr, err := child.Address()
		if err != nil {
			t.Fatalf("failed to encode address %d/%d: %v", tc.change, tc.index, err)
		}
		if addr != tc.want {
			t.Fatalf("address mismatch at %d/%d: got %s, want %s", tc.change, tc.index, addr, tc.want)
		}
	}
}

func TestDeriveAddressDeterministic(t *testing.T) {
	for _, index := range []uint32{0, 1, 7, 41, 100000} {
		first, err := DeriveAddress(bip84AccountZpub, index)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		second, err := DeriveAddress(bip84AccountZpub, index)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		if first != second {
			t.Fatalf("derivation not deterministic at index %d: %s != %s", index, first, second)
		}
		if !strings.HasPrefix(first, "bc1q") {
			t.Fatalf("expected witness v0 mainnet address, got %s", first)
		}
	}
}

func TestDeriveAddressDistinctIndexes(t *testing.T) {
	seen := make(map[string]uint32)
	for index := uint32(0); index < 20; index++ {
		addr, err := DeriveAddress(bip32MasterXpub, index)
		if err != nil {
			t.Fatalf("expected no error at index %d, got %v", index, err)
		}
		if prev, ok := seen[addr]; ok {
			t.Fatalf("indexes %d and %d derived the same address %s", prev, index, addr)
		}
		seen[addr] = index
	}
}

func TestParseRejectsPrivateKey(t *testing.T) {
	_, err := ParseExtendedKey(bip32MasterXprv)
	if !errors.Is(err, ErrPrivateKey) {
		t.Fatalf("expected ErrPrivateKey, got %v", err)
	}
}

func TestParseRejectsChecksumMismatch(t *testing.T) {
	corrupted := []byte(bip84AccountZpub)
	// Flip a character in the middle of the payload.
	if corrupted[40] == 'a' {
		corrupted[40] = 'b'
	} else {
		corrupted[40] = 'a'
	}

	_, err := ParseExtendedKey(string(corrupted))
	if err == nil {
		t.Fatal("expected an error for a corrupted key")
	}
	if !errors.Is(err, ErrBadChecksum) && !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected checksum or encoding error, got %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "notakey", "xpub"} {
		if _, err := ParseExtendedKey(input); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected ErrInvalidKey for %q, got %v", input, err)
		}
	}
}

func TestChildRejectsHardenedIndex(t *testing.T) {
	key, err := ParseExtendedKey(bip84AccountZpub)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if _, err := key.Child(HardenedKeyStart); !errors.Is(err, ErrHardenedChild) {
		t.Fatalf("expected ErrHardenedChild, got %v", err)
	}
	if _, err := key.Child(HardenedKeyStart + 44); !errors.Is(err, ErrHardenedChild) {
		t.Fatalf("expected ErrHardenedChild, got %v", err)
	}
}

func TestFingerprintStable(t *testing.T) {
	key, err := ParseExtendedKey(bip84AccountZpub)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if key.Fingerprint() == "" {
		t.Fatal("expected non-empty fingerprint")
	}

	again, _ := ParseExtendedKey(bip84AccountZpub)
	if key.Fingerprint() != again.Fingerprint() {
		t.Fatal("fingerprint not stable across parses")
	}
}
