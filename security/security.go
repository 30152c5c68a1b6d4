// Package security implements the Standard security handler for encrypted
// documents: revisions 2 through 4, RC4 (40-128 bit) and AES-128-CBC, with
// automatic empty-user-password authentication. Revision 5/6 files and
// non-Standard handlers are rejected with ErrUnsupported. The package only
// decrypts; saved output is always unencrypted.
package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/RichardSlater/bromcom-timetamble-formatter/pdfobj"
)

// ErrUnsupported marks encryption this tool cannot decrypt. Callers surface
// it to the user unchanged.
var ErrUnsupported = errors.New("unsupported encryption")

// ErrBadPassword means the empty user password did not authenticate: the
// document needs a real password.
var ErrBadPassword = errors.New("document is password protected")

// DataClass identifies the kind of payload being decrypted. Streams and
// strings may use different crypt filters in revision 4 files.
type DataClass int

const (
	DataClassStream DataClass = iota
	DataClassString
)

type Permissions struct{ Print, Modify, Copy, ModifyAnnotations, FillForms, ExtractAccessible, Assemble, PrintHighQuality bool }

type Handler interface {
	IsEncrypted() bool
	Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error)
	DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error)
	// EncryptMetadata reports whether XMP metadata streams are covered by the
	// document key. When false the loader must leave them untouched.
	EncryptMetadata() bool
	Permissions() Permissions
}

// NewHandler builds the handler for a document's Encrypt dictionary and
// first file ID string. A nil dictionary yields the pass-through handler.
// The empty user password is tried immediately; ErrBadPassword reports a
// document that needs a real one.
func NewHandler(enc pdfobj.Dictionary, fileID []byte) (Handler, error) {
	if enc == nil {
		return NoopHandler(), nil
	}
	filter, ok := pdfobj.DictGetName(nil, enc, "Filter")
	if !ok || filter != "Standard" {
		return nil, fmt.Errorf("%w: filter %q", ErrUnsupported, filter)
	}
	v := intOr(enc, "V", 1)
	if v == 0 {
		v = 1
	}
	r := intOr(enc, "R", 2)
	if v > 4 || r > 4 {
		return nil, fmt.Errorf("%w: revision %d needs AES-256", ErrUnsupported, r)
	}
	keyBits := int(intOr(enc, "Length", 40))
	if v == 1 {
		keyBits = 40
	}
	if v >= 4 && keyBits < 128 {
		keyBits = 128
	}
	if keyBits%8 != 0 || keyBits < 40 || keyBits > 128 {
		return nil, fmt.Errorf("invalid encryption key length %d", keyBits)
	}
	owner, _ := stringBytes(enc, "O")
	user, _ := stringBytes(enc, "U")
	if len(owner) < 32 || len(user) < 16 {
		return nil, errors.New("encryption dictionary missing O/U entries")
	}
	p := int32(intOr(enc, "P", -1))
	encryptMeta := true
	if b, ok := boolVal(enc, "EncryptMetadata"); ok {
		encryptMeta = b
	}

	base := algoRC4
	if v >= 4 {
		base = algoAES
	}
	cryptFilters, err := parseCryptFilters(enc, base)
	if err != nil {
		return nil, err
	}
	streamAlgo, err := resolveCryptFilter(enc, "StmF", base, cryptFilters)
	if err != nil {
		return nil, err
	}
	stringAlgo, err := resolveCryptFilter(enc, "StrF", base, cryptFilters)
	if err != nil {
		return nil, err
	}

	h := &standardHandler{
		r:            int(r),
		keyBits:      keyBits,
		owner:        owner,
		user:         user,
		p:            p,
		fileID:       fileID,
		encryptMeta:  encryptMeta,
		streamAlgo:   streamAlgo,
		stringAlgo:   stringAlgo,
		cryptFilters: cryptFilters,
	}
	if err := h.authenticate(""); err != nil {
		return nil, err
	}
	return h, nil
}

type cryptAlgo int

const (
	algoUnset cryptAlgo = iota
	algoNone
	algoRC4
	algoAES
)

type standardHandler struct {
	key          []byte
	r            int
	keyBits      int
	owner        []byte
	user         []byte
	p            int32
	fileID       []byte
	encryptMeta  bool
	streamAlgo   cryptAlgo
	stringAlgo   cryptAlgo
	cryptFilters map[string]cryptAlgo
}

func (h *standardHandler) IsEncrypted() bool     { return true }
func (h *standardHandler) EncryptMetadata() bool { return h.encryptMeta }

func (h *standardHandler) authenticate(pwd string) error {
	key := deriveKey([]byte(pwd), h.owner, h.p, h.fileID, h.keyBits/8, h.r, h.encryptMeta)
	if !checkUserPassword(key, h.user, h.fileID, h.r) {
		return ErrBadPassword
	}
	h.key = key
	return nil
}

func (h *standardHandler) Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	return h.DecryptWithFilter(objNum, gen, data, class, "")
}

func (h *standardHandler) DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error) {
	algo, err := h.algoFor(class, cryptFilter)
	if err != nil {
		return nil, err
	}
	if algo == algoNone || len(data) == 0 {
		return data, nil
	}
	key := objectKey(h.key, objNum, gen, algo == algoAES)
	if algo == algoAES {
		return aesDecrypt(key, data)
	}
	return rc4Crypt(key, data)
}

func (h *standardHandler) pickAlgo(class DataClass) cryptAlgo {
	switch class {
	case DataClassString:
		if h.stringAlgo != algoUnset {
			return h.stringAlgo
		}
	case DataClassStream:
		if h.streamAlgo != algoUnset {
			return h.streamAlgo
		}
	}
	return algoRC4
}

func (h *standardHandler) algoFor(class DataClass, filter string) (cryptAlgo, error) {
	switch filter {
	case "Identity":
		return algoNone, nil
	case "", "Standard":
		return h.pickAlgo(class), nil
	}
	if algo, ok := h.cryptFilters[filter]; ok {
		return algo, nil
	}
	return algoUnset, fmt.Errorf("crypt filter %s not defined", filter)
}

func (h *standardHandler) Permissions() Permissions {
	return Permissions{
		Print:             h.p&0x4 != 0,
		Modify:            h.p&0x8 != 0,
		Copy:              h.p&0x10 != 0,
		ModifyAnnotations: h.p&0x20 != 0,
		FillForms:         h.p&0x100 != 0,
		ExtractAccessible: h.p&0x200 != 0,
		Assemble:          h.p&0x400 != 0,
		PrintHighQuality:  h.p&0x800 != 0,
	}
}

type noEncryptionHandler struct{}

func (noEncryptionHandler) IsEncrypted() bool     { return false }
func (noEncryptionHandler) EncryptMetadata() bool { return false }
func (noEncryptionHandler) Decrypt(objNum, gen int, data []byte, class DataClass) ([]byte, error) {
	return data, nil
}
func (noEncryptionHandler) DecryptWithFilter(objNum, gen int, data []byte, class DataClass, cryptFilter string) ([]byte, error) {
	return data, nil
}
func (noEncryptionHandler) Permissions() Permissions {
	return Permissions{Print: true, Modify: true, Copy: true, ModifyAnnotations: true, FillForms: true, ExtractAccessible: true, Assemble: true, PrintHighQuality: true}
}

// NoopHandler returns the pass-through handler used for unencrypted
// documents.
func NoopHandler() Handler { return noEncryptionHandler{} }

var passwordPadding = []byte{
	0x28, 0xBF, 0x4E, 0x5E, 0x4E, 0x75, 0x8A, 0x41,
	0x64, 0x00, 0x4E, 0x56, 0xFF, 0xFA, 0x01, 0x08,
	0x2E, 0x2E, 0x00, 0xB6, 0xD0, 0x68, 0x3E, 0x80,
	0x2F, 0x0C, 0xA9, 0xFE, 0x64, 0x53, 0x69, 0x7A,
}

func padPassword(pwd []byte) []byte {
	padded := make([]byte, 32)
	n := copy(padded, pwd)
	copy(padded[n:], passwordPadding)
	return padded
}

// deriveKey runs the revision 2-4 file key derivation. Revision 4 files
// that leave metadata in the clear mix 0xFFFFFFFF into the hash.
func deriveKey(pwd, owner []byte, p int32, fileID []byte, keyLen, r int, encryptMeta bool) []byte {
	if keyLen < 5 {
		keyLen = 5
	}
	if keyLen > 16 {
		keyLen = 16
	}
	data := make([]byte, 0, 40+len(owner)+len(fileID))
	data = append(data, padPassword(pwd)...)
	data = append(data, owner...)
	var pBuf [4]byte
	binary.LittleEndian.PutUint32(pBuf[:], uint32(p))
	data = append(data, pBuf[:]...)
	data = append(data, fileID...)
	if r >= 4 && !encryptMeta {
		data = append(data, 0xFF, 0xFF, 0xFF, 0xFF)
	}
	sum := md5.Sum(data)
	key := sum[:]
	if r >= 3 {
		for i := 0; i < 50; i++ {
			sum = md5.Sum(key[:keyLen])
			key = sum[:]
		}
	}
	return key[:keyLen]
}

// checkUserPassword verifies the derived key against the U entry. Revision
// 2 compares the full RC4 transform of the padding; revision 3/4 compare
// the first 16 bytes of the iterated value.
func checkUserPassword(key, user, fileID []byte, r int) bool {
	if r == 2 {
		expect := rc4Simple(key, passwordPadding)
		return len(user) >= 32 && bytes.Equal(expect, user[:32])
	}
	seed := make([]byte, 0, 32+len(fileID))
	seed = append(seed, passwordPadding...)
	seed = append(seed, fileID...)
	sum := md5.Sum(seed)
	val := sum[:]
	for i := 0; i < 20; i++ {
		k := make([]byte, len(key))
		for j := range key {
			k[j] = key[j] ^ byte(i)
		}
		val = rc4Simple(k, val)
	}
	return len(user) >= 16 && bytes.Equal(val[:16], user[:16])
}

// objectKey derives the per-object key: MD5 of the file key, the low three
// bytes of the object number, the low two of the generation, and the AES
// salt when applicable.
func objectKey(fileKey []byte, objNum, gen int, useAES bool) []byte {
	key := make([]byte, 0, len(fileKey)+9)
	key = append(key, fileKey...)
	key = append(key, byte(objNum), byte(objNum>>8), byte(objNum>>16))
	key = append(key, byte(gen), byte(gen>>8))
	if useAES {
		key = append(key, 0x73, 0x41, 0x6C, 0x54) // "sAlT"
	}
	sum := md5.Sum(key)
	n := len(fileKey) + 5
	if n > 16 {
		n = 16
	}
	return sum[:n]
}

func parseCryptFilters(enc pdfobj.Dictionary, base cryptAlgo) (map[string]cryptAlgo, error) {
	out := make(map[string]cryptAlgo)
	cfObj, ok := enc.Get("CF")
	if !ok {
		return out, nil
	}
	cfDict, ok := pdfobj.AsDict(cfObj)
	if !ok {
		return nil, errors.New("CF must be a dictionary")
	}
	for _, name := range cfDict.Keys() {
		entryObj, _ := cfDict.Get(name)
		entry, ok := pdfobj.AsDict(entryObj)
		if !ok {
			return nil, errors.New("crypt filter entry must be a dictionary")
		}
		algo := base
		if cfm, ok := pdfobj.DictGetName(nil, entry, "CFM"); ok {
			switch cfm {
			case "V2":
				algo = algoRC4
			case "AESV2":
				algo = algoAES
			case "None":
				algo = algoNone
			default:
				return nil, fmt.Errorf("%w: crypt filter method %s", ErrUnsupported, cfm)
			}
		}
		out[name] = algo
	}
	return out, nil
}

func resolveCryptFilter(enc pdfobj.Dictionary, key string, base cryptAlgo, filters map[string]cryptAlgo) (cryptAlgo, error) {
	name, _ := pdfobj.DictGetName(nil, enc, key)
	if name == "" || name == "Standard" {
		if algo, ok := filters[name]; ok {
			return algo, nil
		}
		return base, nil
	}
	if name == "Identity" {
		return algoNone, nil
	}
	if algo, ok := filters[name]; ok {
		return algo, nil
	}
	return algoUnset, fmt.Errorf("crypt filter %s not defined", name)
}

func rc4Simple(key, data []byte) []byte {
	out := make([]byte, len(data))
	c, _ := rc4.NewCipher(key)
	c.XORKeyStream(out, data)
	return out
}

func rc4Crypt(key, data []byte) ([]byte, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out, nil
}

// aesDecrypt reverses AES-128-CBC with the leading IV and PKCS#7 padding.
func aesDecrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) < aes.BlockSize {
		return nil, errors.New("aes ciphertext too short")
	}
	iv := data[:aes.BlockSize]
	ct := data[aes.BlockSize:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, errors.New("aes ciphertext not block aligned")
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
	if len(out) == 0 {
		return out, nil
	}
	pad := int(out[len(out)-1])
	if pad <= 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, errors.New("invalid aes padding")
	}
	return out[:len(out)-pad], nil
}

func intOr(dict pdfobj.Dictionary, key string, def int64) int64 {
	if v, ok := pdfobj.DictGetInt(nil, dict, key); ok {
		return v
	}
	return def
}

func stringBytes(dict pdfobj.Dictionary, key string) ([]byte, bool) {
	obj, ok := dict.Get(key)
	if !ok {
		return nil, false
	}
	return pdfobj.AsString(obj)
}

func boolVal(dict pdfobj.Dictionary, key string) (bool, bool) {
	obj, ok := dict.Get(key)
	if !ok {
		return false, false
	}
	b, ok := obj.(pdfobj.Boolean)
	if !ok {
		return false, false
	}
	return b.Value(), true
}
