package lti

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedSigner() *Signer {
	s := NewSigner("course-key", "s3cr3t/+")
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	s.nonce = func() string { return "nonce-123" }
	return s
}

func parseHeader(t *testing.T, header string) map[string]string {
	t.Helper()
	require.True(t, strings.HasPrefix(header, "OAuth "))

	out := map[string]string{}
	for _, part := range strings.Split(strings.TrimPrefix(header, "OAuth "), ", ") {
		kv := strings.SplitN(part, "=", 2)
		require.Len(t, kv, 2)
		out[kv[0]] = strings.Trim(kv[1], `"`)
	}
	return out
}

func TestSignKnownVector(t *testing.T) {
	header, err := fixedSigner().Sign("POST", "https://LMS.example.edu:443/api/lti/outcomes?ltik=a+b", []byte("<xml>score</xml>"))
	require.NoError(t, err)

	params := parseHeader(t, header)
	assert.Equal(t, "course-key", params["oauth_consumer_key"])
	assert.Equal(t, "nonce-123", params["oauth_nonce"])
	assert.Equal(t, "HMAC-SHA1", params["oauth_signature_method"])
	assert.Equal(t, "1700000000", params["oauth_timestamp"])
	assert.Equal(t, "1.0", params["oauth_version"])
	assert.Equal(t, "GnYS3rdJUO0RI3JsOPoIGzHuJgU%3D", params["oauth_body_hash"])
	assert.Equal(t, "W%2BZvf3pPMG8CLBzmTuE8rqbQtKI%3D", params["oauth_signature"])
}

func TestSignBindsBody(t *testing.T) {
	s := fixedSigner()
	a, err := s.Sign("POST", "https://lms.example.edu/outcomes", []byte("one"))
	require.NoError(t, err)
	b, err := s.Sign("POST", "https://lms.example.edu/outcomes", []byte("two"))
	require.NoError(t, err)

	assert.NotEqual(t, parseHeader(t, a)["oauth_signature"], parseHeader(t, b)["oauth_signature"])
}

func TestSignRejectsRelativeURL(t *testing.T) {
	_, err := fixedSigner().Sign("POST", "/outcomes", nil)
	assert.Error(t, err)
}

func TestPercentEncode(t *testing.T) {
	assert.Equal(t, "abc-._~", percentEncode("abc-._~"))
	assert.Equal(t, "a%20b%2Bc%2F%3D", percentEncode("a b+c/="))
	assert.Equal(t, "%C3%A9", percentEncode("é"))
}

func TestScore(t *testing.T) {
	assert.Equal(t, 0.95, Score(95, 100))
	assert.Equal(t, 1.0, Score(120, 100))
	assert.Equal(t, 0.0, Score(-3, 100))
	assert.Equal(t, 0.0, Score(5, 0))
}

func TestReplaceResultRequest(t *testing.T) {
	body, err := ReplaceResultRequest("msg-1", "course<1>:user", 2.0/3.0)
	require.NoError(t, err)

	xml := string(body)
	assert.True(t, strings.HasPrefix(xml, `<?xml version="1.0" encoding="UTF-8"?>`))
	assert.Contains(t, xml, `<imsx_POXEnvelopeRequest xmlns="http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0">`)
	assert.Contains(t, xml, `<imsx_messageIdentifier>msg-1</imsx_messageIdentifier>`)
	assert.Contains(t, xml, `<sourcedId>course&lt;1&gt;:user</sourcedId>`)
	assert.Contains(t, xml, `<textString>0.6667</textString>`)
	assert.Contains(t, xml, `<replaceResultRequest><resultRecord>`)
}

func TestParseResponse(t *testing.T) {
	success := `<?xml version="1.0" encoding="UTF-8"?>
<imsx_POXEnvelopeResponse xmlns="http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0">
  <imsx_POXHeader>
    <imsx_POXResponseHeaderInfo>
      <imsx_version>V1.0</imsx_version>
      <imsx_messageIdentifier>4560</imsx_messageIdentifier>
      <imsx_statusInfo>
        <imsx_codeMajor>success</imsx_codeMajor>
        <imsx_severity>status</imsx_severity>
        <imsx_description>Score for 3124567 is now 0.92</imsx_description>
      </imsx_statusInfo>
    </imsx_POXResponseHeaderInfo>
  </imsx_POXHeader>
  <imsx_POXBody><replaceResultResponse/></imsx_POXBody>
</imsx_POXEnvelopeResponse>`

	status, err := ParseResponse([]byte(success))
	require.NoError(t, err)
	assert.True(t, status.Success())
	assert.Equal(t, "Score for 3124567 is now 0.92", status.Description)

	failure := strings.Replace(success, ">success<", ">failure<", 1)
	status, err = ParseResponse([]byte(failure))
	require.NoError(t, err)
	assert.False(t, status.Success())

	_, err = ParseResponse([]byte("<html>Bad gateway</html>"))
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, err = ParseResponse([]byte("not xml at all"))
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
