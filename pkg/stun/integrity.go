package stun

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
)

// Credential holds the (username, realm, password) triple used to both
// compute and verify MESSAGE-INTEGRITY, and to derive the TURN long-term
// credential key (spec §4.4: HMAC-SHA1(MD5(username:realm:password), ...)).
type Credential struct {
	Username string
	Realm    string
	Password string
}

// key derives the HMAC key: for a short-term credential this is just the
// password; for a long-term credential (realm set) it is
// MD5(username:realm:password) per RFC 5389 §15.4. crypto/md5 and
// crypto/sha1 are used deliberately here rather than any third-party hash
// package: both algorithms are fixed by the wire protocol itself (a STUN
// server computes them the same way regardless of implementation
// language), so there is no design latitude a library would add.
func (c Credential) key() []byte {
	if c.Realm == "" {
		return []byte(c.Password)
	}
	sum := md5.Sum([]byte(c.Username + ":" + c.Realm + ":" + c.Password))
	return sum[:]
}

// computeMessageIntegrity returns the 20-byte HMAC-SHA1 over msgBytes,
// which the caller has already prepared with the length field covering the
// MI attribute itself but nothing after it (spec §4.2).
func computeMessageIntegrity(msgBytes []byte, cred Credential) []byte {
	mac := hmac.New(sha1.New, cred.key())
	mac.Write(msgBytes)
	return mac.Sum(nil)
}

// verifyMessageIntegrity reports whether mi matches the HMAC computed over
// msgBytes with cred.
func verifyMessageIntegrity(msgBytes []byte, mi []byte, cred Credential) bool {
	expected := computeMessageIntegrity(msgBytes, cred)
	return hmac.Equal(expected, mi)
}
