// Package binaryformat decodes the fixed-offset binary layout of Intel
// SGX (v3) and TDX (v4, v5) DCAP attestation quotes. Every decoder here
// is a pure function over a byte slice: it never performs I/O and never
// allocates beyond slices into the input.
package binaryformat

import (
	"encoding/binary"
	"fmt"
)

// Byte sizes of the fixed-layout regions.
const (
	HeaderSize            = 48
	SGXBodySize           = 384
	TDXBody10Size         = 584
	TDXBody15Size         = 648
	bodyDescriptorSize    = 6 // v5 only: body_type(u16) + body_size(u32)
	ECDSASignatureSize    = 64
	AttestationPubKeySize = 64
	QEReportSize          = 384
	QEReportSigSize       = 64
)

// TeeType identifies the attested platform (header.tee_type).
type TeeType uint32

const (
	TeeTypeSGX TeeType = 0
	TeeTypeTDX TeeType = 129
)

// AttestationKeyType identifies the key algorithm used for the quote
// signature (header.attestation_key_type). Only ECDSA-P256 is defined.
type AttestationKeyType uint16

const AttestationKeyECDSAP256 AttestationKeyType = 2

// CertDataType identifies the encoding of signature.cert_data.
type CertDataType uint16

const CertDataTypePCKCertChain CertDataType = 5

// BodyKind distinguishes the three body layouts a quote may carry.
type BodyKind int

const (
	BodyKindSGX BodyKind = iota
	BodyKindTDX10
	BodyKindTDX15
)

func (k BodyKind) String() string {
	switch k {
	case BodyKindSGX:
		return "sgx"
	case BodyKindTDX10:
		return "tdx-1.0"
	case BodyKindTDX15:
		return "tdx-1.5"
	default:
		return "unknown"
	}
}

// MalformedQuoteError reports a structural decode failure: an
// out-of-bounds read, an unrecognized version, or a declared
// sub-length that exceeds the remaining buffer.
type MalformedQuoteError struct {
	Offset int
	Field  string
	Reason string
}

func (e *MalformedQuoteError) Error() string {
	return fmt.Sprintf("malformed quote at offset %d (field %q): %s", e.Offset, e.Field, e.Reason)
}

func malformed(offset int, field, reason string) error {
	return &MalformedQuoteError{Offset: offset, Field: field, Reason: reason}
}

// Header is the 48-byte quote header common to every version.
type Header struct {
	Version            uint16
	AttestationKeyType uint16
	TeeType            uint32
	QeSvn              uint16
	PceSvn             uint16
	QeVendorID         [16]byte
	// UserData is decoded but never consulted by the verifier: kept so
	// future consumers can bind to it.
	UserData [20]byte
}

// SGXBody is the 384-byte SGX REPORT body (also the layout of
// signature.qe_report, which is itself a standard SGX REPORT).
type SGXBody struct {
	CPUSvn     [16]byte
	MiscSelect uint32
	reserved1  [28]byte
	Attributes [16]byte
	MrEnclave  [32]byte
	reserved2  [32]byte
	MrSigner   [32]byte
	reserved3  [96]byte
	IsvProdID  uint16
	IsvSvn     uint16
	reserved4  [60]byte
	ReportData [64]byte
}

// TDXBody is the TDX report body, either the 584-byte 1.0 layout or
// the 648-byte 1.5 layout (HasServiceTD indicates the latter).
type TDXBody struct {
	TeeTcbSvn      [16]byte
	MrSeam         [48]byte
	MrSeamSigner   [48]byte
	SeamAttributes [8]byte
	TdAttributes   [8]byte
	Xfam           [8]byte
	MrTd           [48]byte
	MrConfigID     [48]byte
	MrOwner        [48]byte
	MrOwnerConfig  [48]byte
	Rtmr           [4][48]byte
	ReportData     [64]byte

	HasServiceTD bool
	TeeTcbSvn2   [16]byte
	MrServiceTd  [48]byte
}

// SignatureSection is the variable-length tail of the quote.
type SignatureSection struct {
	EcdsaSignature       [ECDSASignatureSize]byte
	AttestationPublicKey [AttestationPubKeySize]byte

	// CertType/CertSize are present only for TDX quotes.
	HasCertTypeSize bool
	CertType        uint16
	CertSize        uint32

	QeReport          SGXBody
	QeReportSignature [QEReportSigSize]byte
	QeAuthData        []byte

	CertDataType CertDataType
	CertData     []byte
}

// ParsedQuote is the fully decoded result of Parse.
type ParsedQuote struct {
	Header    Header
	BodyKind  BodyKind
	SGXBody   *SGXBody
	TDXBody   *TDXBody
	Signature SignatureSection

	// SignedRegion is the exact byte range the ECDSA signature in
	// Signature.EcdsaSignature is computed over
	SignedRegion []byte
}

type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) need(n int, field string) error {
	if n < 0 || c.pos+n > len(c.buf) {
		return malformed(c.pos, field, "out of bounds")
	}
	return nil
}

func (c *cursor) take(n int, field string) ([]byte, error) {
	if err := c.need(n, field); err != nil {
		return nil, err
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) u16(field string) (uint16, error) {
	b, err := c.take(2, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *cursor) u32(field string) (uint32, error) {
	b, err := c.take(4, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) array(n int, dst []byte, field string) error {
	b, err := c.take(n, field)
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// Parse decodes header, body, and signature section from raw quote
// bytes. It never allocates beyond slices into data: returned byte
// arrays are copies of fixed size (cheap, stack-friendly), but
// variable-length fields (QeAuthData, CertData, SignedRegion) are
// slices into the input.
func Parse(data []byte) (*ParsedQuote, error) {
	c := &cursor{buf: data}

	hdr, err := parseHeader(c)
	if err != nil {
		return nil, err
	}

	q := &ParsedQuote{Header: hdr}

	switch hdr.Version {
	case 3:
		body, err := parseSGXBody(c)
		if err != nil {
			return nil, err
		}
		q.BodyKind = BodyKindSGX
		q.SGXBody = body
	case 4:
		body, err := parseTDXBody(c, false)
		if err != nil {
			return nil, err
		}
		q.BodyKind = BodyKindTDX10
		q.TDXBody = body
	case 5:
		bodyType, err := c.u16("body_type")
		if err != nil {
			return nil, err
		}
		bodySize, err := c.u32("body_size")
		if err != nil {
			return nil, err
		}
		switch bodyType {
		case 2:
			if bodySize != TDXBody10Size {
				return nil, malformed(c.pos, "body_size", "unexpected size for TDX 1.0 body")
			}
			body, err := parseTDXBody(c, false)
			if err != nil {
				return nil, err
			}
			q.BodyKind = BodyKindTDX10
			q.TDXBody = body
		case 3:
			if bodySize != TDXBody15Size {
				return nil, malformed(c.pos, "body_size", "unexpected size for TDX 1.5 body")
			}
			body, err := parseTDXBody(c, true)
			if err != nil {
				return nil, err
			}
			q.BodyKind = BodyKindTDX15
			q.TDXBody = body
		case 1:
			return nil, malformed(c.pos, "body_type", "body_type=1 is rejected")
		default:
			return nil, malformed(c.pos, "body_type", "unrecognized body_type")
		}
	default:
		return nil, malformed(0, "version", "version must be 3, 4, or 5")
	}

	// Signed region excludes the sig-length prefix and the signature
	// section itself: it is exactly [0, c.pos) at this point.
	q.SignedRegion = data[:c.pos]

	sigLen, err := c.u32("sig_len")
	if err != nil {
		return nil, err
	}
	sigBytes, err := c.take(int(sigLen), "signature_section")
	if err != nil {
		return nil, err
	}

	sig, err := parseSignatureSection(sigBytes, hdr.TeeType == uint32(TeeTypeTDX))
	if err != nil {
		return nil, err
	}
	q.Signature = *sig

	return q, nil
}

func parseHeader(c *cursor) (Header, error) {
	var h Header
	var err error
	if h.Version, err = c.u16("version"); err != nil {
		return h, err
	}
	if h.AttestationKeyType, err = c.u16("attestation_key_type"); err != nil {
		return h, err
	}
	if h.TeeType, err = c.u32("tee_type"); err != nil {
		return h, err
	}
	if h.QeSvn, err = c.u16("qe_svn"); err != nil {
		return h, err
	}
	if h.PceSvn, err = c.u16("pce_svn"); err != nil {
		return h, err
	}
	if err = c.array(16, h.QeVendorID[:], "qe_vendor_id"); err != nil {
		return h, err
	}
	if err = c.array(20, h.UserData[:], "user_data"); err != nil {
		return h, err
	}
	return h, nil
}

func parseSGXBody(c *cursor) (*SGXBody, error) {
	var b SGXBody
	var err error
	if err = c.array(16, b.CPUSvn[:], "cpu_svn"); err != nil {
		return nil, err
	}
	if b.MiscSelect, err = c.u32("misc_select"); err != nil {
		return nil, err
	}
	if err = c.array(28, b.reserved1[:], "reserved1"); err != nil {
		return nil, err
	}
	if err = c.array(16, b.Attributes[:], "attributes"); err != nil {
		return nil, err
	}
	if err = c.array(32, b.MrEnclave[:], "mr_enclave"); err != nil {
		return nil, err
	}
	if err = c.array(32, b.reserved2[:], "reserved2"); err != nil {
		return nil, err
	}
	if err = c.array(32, b.MrSigner[:], "mr_signer"); err != nil {
		return nil, err
	}
	if err = c.array(96, b.reserved3[:], "reserved3"); err != nil {
		return nil, err
	}
	if b.IsvProdID, err = c.u16("isv_prod_id"); err != nil {
		return nil, err
	}
	if b.IsvSvn, err = c.u16("isv_svn"); err != nil {
		return nil, err
	}
	if err = c.array(60, b.reserved4[:], "reserved4"); err != nil {
		return nil, err
	}
	if err = c.array(64, b.ReportData[:], "report_data"); err != nil {
		return nil, err
	}
	return &b, nil
}

func parseTDXBody(c *cursor, v15 bool) (*TDXBody, error) {
	var b TDXBody
	var err error
	if err = c.array(16, b.TeeTcbSvn[:], "tee_tcb_svn"); err != nil {
		return nil, err
	}
	if err = c.array(48, b.MrSeam[:], "mr_seam"); err != nil {
		return nil, err
	}
	if err = c.array(48, b.MrSeamSigner[:], "mr_seam_signer"); err != nil {
		return nil, err
	}
	if err = c.array(8, b.SeamAttributes[:], "seam_attributes"); err != nil {
		return nil, err
	}
	if err = c.array(8, b.TdAttributes[:], "td_attributes"); err != nil {
		return nil, err
	}
	if err = c.array(8, b.Xfam[:], "xfam"); err != nil {
		return nil, err
	}
	if err = c.array(48, b.MrTd[:], "mr_td"); err != nil {
		return nil, err
	}
	if err = c.array(48, b.MrConfigID[:], "mr_config_id"); err != nil {
		return nil, err
	}
	if err = c.array(48, b.MrOwner[:], "mr_owner"); err != nil {
		return nil, err
	}
	if err = c.array(48, b.MrOwnerConfig[:], "mr_owner_config"); err != nil {
		return nil, err
	}
	for i := range b.Rtmr {
		if err = c.array(48, b.Rtmr[i][:], fmt.Sprintf("rtmr%d", i)); err != nil {
			return nil, err
		}
	}
	if err = c.array(64, b.ReportData[:], "report_data"); err != nil {
		return nil, err
	}
	if v15 {
		b.HasServiceTD = true
		if err = c.array(16, b.TeeTcbSvn2[:], "tee_tcb_svn_2"); err != nil {
			return nil, err
		}
		if err = c.array(48, b.MrServiceTd[:], "mr_service_td"); err != nil {
			return nil, err
		}
	}
	return &b, nil
}

func parseSignatureSection(data []byte, isTDX bool) (*SignatureSection, error) {
	c := &cursor{buf: data}
	var s SignatureSection
	var err error

	if err = c.array(ECDSASignatureSize, s.EcdsaSignature[:], "ecdsa_signature"); err != nil {
		return nil, err
	}
	if err = c.array(AttestationPubKeySize, s.AttestationPublicKey[:], "attestation_public_key"); err != nil {
		return nil, err
	}

	if isTDX {
		s.HasCertTypeSize = true
		if s.CertType, err = c.u16("cert_type"); err != nil {
			return nil, err
		}
		if s.CertSize, err = c.u32("cert_size"); err != nil {
			return nil, err
		}
	}

	qeReportBytes, err := c.take(QEReportSize, "qe_report")
	if err != nil {
		return nil, err
	}
	qc := &cursor{buf: qeReportBytes}
	qeBody, err := parseSGXBody(qc)
	if err != nil {
		return nil, err
	}
	s.QeReport = *qeBody

	if err = c.array(QEReportSigSize, s.QeReportSignature[:], "qe_report_signature"); err != nil {
		return nil, err
	}

	authLen, err := c.u16("qe_auth_data_len")
	if err != nil {
		return nil, err
	}
	if s.QeAuthData, err = c.take(int(authLen), "qe_auth_data"); err != nil {
		return nil, err
	}

	certDataType, err := c.u16("cert_data_type")
	if err != nil {
		return nil, err
	}
	s.CertDataType = CertDataType(certDataType)

	certLen, err := c.u32("cert_data_len")
	if err != nil {
		return nil, err
	}
	if s.CertData, err = c.take(int(certLen), "cert_data"); err != nil {
		return nil, err
	}

	return &s, nil
}

// QeReportBytes re-serializes the QE report body back into its
// canonical 384-byte wire form, as required to verify
// signature.qe_report_signature over it.
func (s *SignatureSection) QeReportBytes() []byte {
	return encodeSGXBody(&s.QeReport)
}

func encodeSGXBody(b *SGXBody) []byte {
	out := make([]byte, 0, SGXBodySize)
	out = append(out, b.CPUSvn[:]...)
	var misc [4]byte
	binary.LittleEndian.PutUint32(misc[:], b.MiscSelect)
	out = append(out, misc[:]...)
	out = append(out, b.reserved1[:]...)
	out = append(out, b.Attributes[:]...)
	out = append(out, b.MrEnclave[:]...)
	out = append(out, b.reserved2[:]...)
	out = append(out, b.MrSigner[:]...)
	out = append(out, b.reserved3[:]...)
	var prodID, isvSvn [2]byte
	binary.LittleEndian.PutUint16(prodID[:], b.IsvProdID)
	binary.LittleEndian.PutUint16(isvSvn[:], b.IsvSvn)
	out = append(out, prodID[:]...)
	out = append(out, isvSvn[:]...)
	out = append(out, b.reserved4[:]...)
	out = append(out, b.ReportData[:]...)
	return out
}
