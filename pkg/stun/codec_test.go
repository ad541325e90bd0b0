package stun

import (
	"net"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeParse_BindingRequestRoundTrip(t *testing.T) {
	req, err := NewRequest(MethodBinding)
	require.NoError(t, err)
	req.Attributes.SetSoftware("p2pconnect-test")

	out, err := Encode(req, EncodeOptions{AddFingerprint: true, Software: "p2pconnect-test"})
	require.NoError(t, err)

	got, err := Parse(out, ParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, req.Method, got.Method)
	assert.Equal(t, req.Class, got.Class)
	assert.Equal(t, req.TID, got.TID)
	sw, ok := got.Attributes.Software()
	require.True(t, ok)
	assert.Equal(t, "p2pconnect-test", sw)
}

func TestEncodeParse_XorMappedAddressRoundTrip(t *testing.T) {
	resp, err := NewRequest(MethodBinding)
	require.NoError(t, err)
	resp.Class = ClassSuccessResponse
	ip := net.ParseIP("203.0.113.7").To4()
	require.NoError(t, resp.Attributes.SetXorMappedAddress(ip, 54321, resp.TID))

	out, err := Encode(resp, EncodeOptions{})
	require.NoError(t, err)

	got, err := Parse(out, ParseOptions{})
	require.NoError(t, err)
	gotIP, gotPort, ok := got.Attributes.XorMappedAddress(got.TID)
	require.True(t, ok)
	assert.True(t, ip.Equal(gotIP))
	assert.Equal(t, 54321, gotPort)
}

func TestEncodeParse_MessageIntegrityVerified(t *testing.T) {
	cred := Credential{Username: "alice", Realm: "example.org", Password: "s3cret"}
	req, err := NewRequest(MethodAllocate)
	require.NoError(t, err)
	req.Attributes.SetUsername("alice")
	req.Attributes.SetRealm("example.org")
	req.Attributes.SetNonce("abc123")

	out, err := Encode(req, EncodeOptions{Credential: &cred, AddFingerprint: true})
	require.NoError(t, err)

	got, err := Parse(out, ParseOptions{Credential: &cred})
	require.NoError(t, err)
	assert.Equal(t, MethodAllocate, got.Method)
}

func TestParse_RejectsTamperedMessageIntegrity(t *testing.T) {
	cred := Credential{Username: "alice", Realm: "example.org", Password: "s3cret"}
	req, err := NewRequest(MethodAllocate)
	require.NoError(t, err)

	out, err := Encode(req, EncodeOptions{Credential: &cred})
	require.NoError(t, err)
	out[len(out)-1] ^= 0xFF // flip a bit inside the MI value

	_, err = Parse(out, ParseOptions{Credential: &cred})
	require.Error(t, err)
}

func TestParse_RejectsTamperedFingerprint(t *testing.T) {
	req, err := NewRequest(MethodBinding)
	require.NoError(t, err)
	out, err := Encode(req, EncodeOptions{AddFingerprint: true})
	require.NoError(t, err)
	out[len(out)-1] ^= 0xFF

	_, err = Parse(out, ParseOptions{})
	require.Error(t, err)
}

func TestParse_NeverPanicsOnGarbage(t *testing.T) {
	inputs := [][]byte{
		nil,
		{},
		{0x00},
		make([]byte, 19),
		{0, 1, 0x21, 0x12, 0xA4, 0x42, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			_, _ = Parse(in, ParseOptions{})
		})
	}
}

func TestParse_EnforcesPermittedMethods(t *testing.T) {
	req, err := NewRequest(MethodAllocate)
	require.NoError(t, err)
	out, err := Encode(req, EncodeOptions{})
	require.NoError(t, err)

	_, err = Parse(out, ParseOptions{PermittedMethods: []Method{MethodBinding}})
	require.Error(t, err)

	_, err = Parse(out, ParseOptions{PermittedMethods: []Method{MethodAllocate}})
	require.NoError(t, err)
}

func TestEncodeParseRoundTrip_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("encode then parse preserves method, class, and TID", prop.ForAll(
		func(methodSeed uint16, classSeed uint8, addFP bool) bool {
			method := Method(methodSeed % 0x0FFF)
			class := Class(classSeed % 4)
			msg, err := NewRequest(method)
			if err != nil {
				return false
			}
			msg.Class = class

			out, err := Encode(msg, EncodeOptions{AddFingerprint: addFP})
			if err != nil {
				return false
			}
			got, err := Parse(out, ParseOptions{})
			if err != nil {
				return false
			}
			return got.Method == method && got.Class == class && got.TID == msg.TID
		},
		gen.UInt16(),
		gen.UInt8(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
