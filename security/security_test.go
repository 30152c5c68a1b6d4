package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"errors"
	"testing"

	"github.com/RichardSlater/bromcom-timetamble-formatter/pdfobj"
)

// ownerEntry is a stand-in 32-byte O value; the user-password check never
// inverts it.
var ownerEntry = []byte("0123456789abcdefFEDCBA9876543210")

func baseEncryptDict(v, r, length int64, user []byte, p int32) *pdfobj.DictObj {
	enc := pdfobj.NewDict()
	enc.Set("Filter", pdfobj.NewName("Standard"))
	enc.Set("V", pdfobj.NewInt(v))
	enc.Set("R", pdfobj.NewInt(r))
	enc.Set("Length", pdfobj.NewInt(length))
	enc.Set("O", pdfobj.NewString(ownerEntry))
	enc.Set("U", pdfobj.NewString(user))
	enc.Set("P", pdfobj.NewInt(int64(p)))
	return enc
}

// userEntryR3 computes the 16-byte iterated check value revisions 3/4 store
// in U, padded to 32 bytes.
func userEntryR3(key, fileID []byte) []byte {
	seed := append(append([]byte{}, passwordPadding...), fileID...)
	sum := md5.Sum(seed)
	val := sum[:]
	for i := 0; i < 20; i++ {
		k := make([]byte, len(key))
		for j := range key {
			k[j] = key[j] ^ byte(i)
		}
		val = rc4Simple(k, val)
	}
	return append(val[:16], make([]byte, 16)...)
}

func aesEncryptForTest(t *testing.T, key, plain []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("aes cipher: %v", err)
	}
	iv := bytes.Repeat([]byte{0x24}, aes.BlockSize)
	padLen := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	out := make([]byte, aes.BlockSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[aes.BlockSize:], padded)
	return out
}

func TestEmptyUserPasswordRC4(t *testing.T) {
	fileID := []byte("file-id-bytes")
	p := int32(-4)
	key := deriveKey(nil, ownerEntry, p, fileID, 5, 2, true)
	user := rc4Simple(key, passwordPadding)

	h, err := NewHandler(baseEncryptDict(1, 2, 40, user, p), fileID)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !h.IsEncrypted() {
		t.Fatal("expected encrypted handler")
	}

	plain := []byte("Form 10AB meets Tuesday")
	ct := rc4Simple(objectKey(key, 5, 0, false), plain)
	got, err := h.Decrypt(5, 0, ct, DataClassStream)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("decrypt mismatch: %q", got)
	}
}

func TestRevision3LongKey(t *testing.T) {
	fileID := []byte("another-id")
	p := int32(-44)
	key := deriveKey(nil, ownerEntry, p, fileID, 16, 3, true)
	if len(key) != 16 {
		t.Fatalf("key length: %d", len(key))
	}

	h, err := NewHandler(baseEncryptDict(2, 3, 128, userEntryR3(key, fileID), p), fileID)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	plain := []byte("Mr J Smith teaches 9AB")
	ct := rc4Simple(objectKey(key, 12, 0, false), plain)
	got, err := h.Decrypt(12, 0, ct, DataClassString)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("decrypt mismatch: %q", got)
	}
}

func aesv2Dict(user []byte, p int32) *pdfobj.DictObj {
	enc := baseEncryptDict(4, 4, 128, user, p)
	stdCF := pdfobj.NewDict()
	stdCF.Set("CFM", pdfobj.NewName("AESV2"))
	stdCF.Set("Length", pdfobj.NewInt(16))
	cf := pdfobj.NewDict()
	cf.Set("StdCF", stdCF)
	enc.Set("CF", cf)
	enc.Set("StmF", pdfobj.NewName("StdCF"))
	enc.Set("StrF", pdfobj.NewName("StdCF"))
	return enc
}

func TestAESV2StreamDecrypt(t *testing.T) {
	fileID := []byte("aes-file-id")
	p := int32(-4)
	key := deriveKey(nil, ownerEntry, p, fileID, 16, 4, true)

	h, err := NewHandler(aesv2Dict(userEntryR3(key, fileID), p), fileID)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	plain := []byte("(Amelia Slater (10AB)) Tj")
	ct := aesEncryptForTest(t, objectKey(key, 7, 0, true), plain)
	got, err := h.Decrypt(7, 0, ct, DataClassStream)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("decrypt mismatch: %q", got)
	}
}

func TestIdentityStreamFilterPassesThrough(t *testing.T) {
	fileID := []byte("identity-id")
	p := int32(-4)
	key := deriveKey(nil, ownerEntry, p, fileID, 16, 4, true)

	enc := aesv2Dict(userEntryR3(key, fileID), p)
	enc.Set("StmF", pdfobj.NewName("Identity"))

	h, err := NewHandler(enc, fileID)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	raw := []byte{0x01, 0x02, 0x03}
	got, err := h.Decrypt(3, 0, raw, DataClassStream)
	if err != nil {
		t.Fatalf("stream decrypt: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("identity stream should pass through: %v", got)
	}

	plain := []byte("string payload")
	ct := aesEncryptForTest(t, objectKey(key, 3, 0, true), plain)
	got, err = h.Decrypt(3, 0, ct, DataClassString)
	if err != nil {
		t.Fatalf("string decrypt: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("string path should still use AES: %q", got)
	}
}

func TestEncryptMetadataFalseChangesKey(t *testing.T) {
	fileID := []byte("meta-id")
	p := int32(-4)
	key := deriveKey(nil, ownerEntry, p, fileID, 16, 4, false)

	enc := aesv2Dict(userEntryR3(key, fileID), p)
	enc.Set("EncryptMetadata", pdfobj.NewBool(false))

	if _, err := NewHandler(enc, fileID); err != nil {
		t.Fatalf("handler with cleartext metadata: %v", err)
	}

	// same U entry with the flag absent derives a different key
	enc2 := aesv2Dict(userEntryR3(key, fileID), p)
	if _, err := NewHandler(enc2, fileID); !errors.Is(err, ErrBadPassword) {
		t.Fatalf("expected password mismatch, got %v", err)
	}
}

func TestUnsupportedRevisions(t *testing.T) {
	enc := pdfobj.NewDict()
	enc.Set("Filter", pdfobj.NewName("Standard"))
	enc.Set("V", pdfobj.NewInt(5))
	enc.Set("R", pdfobj.NewInt(6))
	if _, err := NewHandler(enc, nil); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}

	enc2 := pdfobj.NewDict()
	enc2.Set("Filter", pdfobj.NewName("MySecretHandler"))
	if _, err := NewHandler(enc2, nil); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for custom filter, got %v", err)
	}
}

func TestWrongPasswordRejected(t *testing.T) {
	fileID := []byte("locked-id")
	user := bytes.Repeat([]byte{'x'}, 32)
	if _, err := NewHandler(baseEncryptDict(1, 2, 40, user, -4), fileID); !errors.Is(err, ErrBadPassword) {
		t.Fatalf("expected ErrBadPassword, got %v", err)
	}
}

func TestPermissionsBits(t *testing.T) {
	fileID := []byte("perm-id")
	p := int32(-4) &^ 0x4 &^ 0x10 // clear Print and Copy
	key := deriveKey(nil, ownerEntry, p, fileID, 5, 2, true)
	user := rc4Simple(key, passwordPadding)

	h, err := NewHandler(baseEncryptDict(1, 2, 40, user, p), fileID)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	perms := h.Permissions()
	if perms.Print || perms.Copy {
		t.Fatalf("cleared bits still set: %+v", perms)
	}
	if !perms.Modify || !perms.ModifyAnnotations {
		t.Fatalf("expected Modify allowed: %+v", perms)
	}
}

func TestNoopHandler(t *testing.T) {
	h := NoopHandler()
	if h.IsEncrypted() {
		t.Fatal("noop handler reports encrypted")
	}
	data := []byte("unchanged")
	got, err := h.Decrypt(1, 0, data, DataClassStream)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("noop decrypt: %v %q", err, got)
	}
	if !h.Permissions().Modify {
		t.Fatal("noop handler should permit everything")
	}
}
