package binaryformat

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func buildHeader(version uint16, teeType uint32) []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = appendU16(buf, version)
	buf = appendU16(buf, uint16(AttestationKeyECDSAP256))
	buf = appendU32(buf, teeType)
	buf = appendU16(buf, 1)  // qe_svn
	buf = appendU16(buf, 5)  // pce_svn
	buf = append(buf, make([]byte, 16)...) // qe_vendor_id
	buf = append(buf, make([]byte, 20)...) // user_data
	return buf
}

func buildSGXBody() []byte {
	buf := make([]byte, 0, SGXBodySize)
	buf = append(buf, make([]byte, 16)...) // cpu_svn
	buf = appendU32(buf, 0)                // misc_select
	buf = append(buf, make([]byte, 28)...) // reserved1
	buf = append(buf, make([]byte, 16)...) // attributes
	mrEnclave := make([]byte, 32)
	mrEnclave[0] = 0xAA
	buf = append(buf, mrEnclave...)
	buf = append(buf, make([]byte, 32)...) // reserved2
	mrSigner := make([]byte, 32)
	mrSigner[0] = 0xBB
	buf = append(buf, mrSigner...)
	buf = append(buf, make([]byte, 96)...) // reserved3
	buf = appendU16(buf, 7)                // isv_prod_id
	buf = appendU16(buf, 3)                // isv_svn
	buf = append(buf, make([]byte, 60)...) // reserved4
	buf = append(buf, make([]byte, 64)...) // report_data
	return buf
}

func buildTDXBody(v15 bool) []byte {
	buf := make([]byte, 0, TDXBody15Size)
	buf = append(buf, make([]byte, 16)...) // tee_tcb_svn
	buf = append(buf, make([]byte, 48)...) // mr_seam
	buf = append(buf, make([]byte, 48)...) // mr_seam_signer
	buf = append(buf, make([]byte, 8)...)  // seam_attributes
	buf = append(buf, make([]byte, 8)...)  // td_attributes
	buf = append(buf, make([]byte, 8)...)  // xfam
	mrTd := make([]byte, 48)
	mrTd[0] = 0xCC
	buf = append(buf, mrTd...)
	buf = append(buf, make([]byte, 48)...) // mr_config_id
	buf = append(buf, make([]byte, 48)...) // mr_owner
	buf = append(buf, make([]byte, 48)...) // mr_owner_config
	for i := 0; i < 4; i++ {
		buf = append(buf, make([]byte, 48)...) // rtmr[i]
	}
	buf = append(buf, make([]byte, 64)...) // report_data
	if v15 {
		buf = append(buf, make([]byte, 16)...) // tee_tcb_svn_2
		buf = append(buf, make([]byte, 48)...) // mr_service_td
	}
	return buf
}

func buildSignatureSection(isTDX bool) []byte {
	buf := make([]byte, 0)
	buf = append(buf, make([]byte, ECDSASignatureSize)...)
	buf = append(buf, make([]byte, AttestationPubKeySize)...)
	if isTDX {
		buf = appendU16(buf, 1) // cert_type
		buf = appendU32(buf, 0) // cert_size
	}
	buf = append(buf, buildSGXBody()...) // qe_report
	buf = append(buf, make([]byte, QEReportSigSize)...)
	buf = appendU16(buf, 0) // qe_auth_data_len
	buf = appendU16(buf, uint16(CertDataTypePCKCertChain))
	certData := []byte("-----BEGIN CERTIFICATE-----\n")
	buf = appendU32(buf, uint32(len(certData)))
	buf = append(buf, certData...)
	return buf
}

func buildQuote(version uint16, teeType uint32, body []byte, isTDX bool) []byte {
	buf := buildHeader(version, teeType)
	if version == 5 {
		bodyType := uint16(2)
		bodySize := uint32(TDXBody10Size)
		if len(body) == TDXBody15Size {
			bodyType = 3
			bodySize = TDXBody15Size
		}
		buf = appendU16(buf, bodyType)
		buf = appendU32(buf, bodySize)
	}
	buf = append(buf, body...)

	sig := buildSignatureSection(isTDX)
	buf = appendU32(buf, uint32(len(sig)))
	buf = append(buf, sig...)
	return buf
}

func TestParseSGXQuote(t *testing.T) {
	data := buildQuote(3, uint32(TeeTypeSGX), buildSGXBody(), false)

	q, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, BodyKindSGX, q.BodyKind)
	require.NotNil(t, q.SGXBody)
	assert.Equal(t, byte(0xAA), q.SGXBody.MrEnclave[0])
	assert.Equal(t, byte(0xBB), q.SGXBody.MrSigner[0])
	assert.Equal(t, CertDataTypePCKCertChain, q.Signature.CertDataType)
	assert.False(t, q.Signature.HasCertTypeSize)
	assert.Len(t, q.Signature.CertData, len("-----BEGIN CERTIFICATE-----\n"))
}

func TestParseTDX10Quote(t *testing.T) {
	data := buildQuote(4, uint32(TeeTypeTDX), buildTDXBody(false), true)

	q, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, BodyKindTDX10, q.BodyKind)
	require.NotNil(t, q.TDXBody)
	assert.False(t, q.TDXBody.HasServiceTD)
	assert.Equal(t, byte(0xCC), q.TDXBody.MrTd[0])
	assert.True(t, q.Signature.HasCertTypeSize)
}

func TestParseTDX15QuoteViaV5Envelope(t *testing.T) {
	data := buildQuote(5, uint32(TeeTypeTDX), buildTDXBody(true), true)

	q, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, BodyKindTDX15, q.BodyKind)
	require.NotNil(t, q.TDXBody)
	assert.True(t, q.TDXBody.HasServiceTD)
}

func TestParseRejectsBadVersion(t *testing.T) {
	data := buildHeader(9, uint32(TeeTypeSGX))
	_, err := Parse(data)
	require.Error(t, err)
	var malformedErr *MalformedQuoteError
	assert.ErrorAs(t, err, &malformedErr)
}

func TestParseRejectsTruncatedBuffer(t *testing.T) {
	data := buildHeader(3, uint32(TeeTypeSGX))
	data = data[:len(data)-5]
	_, err := Parse(data)
	require.Error(t, err)
}

func TestParseRejectsV5BodyType1(t *testing.T) {
	buf := buildHeader(5, uint32(TeeTypeTDX))
	buf = appendU16(buf, 1) // body_type = 1, explicitly rejected
	buf = appendU32(buf, 0)
	_, err := Parse(buf)
	require.Error(t, err)
}

func TestSignedRegionExcludesSignatureSection(t *testing.T) {
	body := buildSGXBody()
	data := buildQuote(3, uint32(TeeTypeSGX), body, false)

	q, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, HeaderSize+SGXBodySize, len(q.SignedRegion))
}

func TestQeReportBytesRoundTrips(t *testing.T) {
	data := buildQuote(3, uint32(TeeTypeSGX), buildSGXBody(), false)
	q, err := Parse(data)
	require.NoError(t, err)

	reportBytes := q.Signature.QeReportBytes()
	assert.Len(t, reportBytes, SGXBodySize)
	const mrEnclaveOffset = 16 + 4 + 28 + 16 // cpu_svn + misc_select + reserved1 + attributes
	assert.Equal(t, byte(0xAA), reportBytes[mrEnclaveOffset])
}
