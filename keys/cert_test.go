package keys

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_SelfSignedCertificate(t *testing.T) {
	certFile, keyFile, err := SelfSignedCertificate(time.Hour, "localhost", "127.0.0.1")
	require.NoError(t, err)

	pair, err := tls.X509KeyPair(certFile, keyFile)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "localhost", cert.Subject.CommonName)
	assert.Equal(t, []string{"localhost"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.True(t, cert.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")))
	assert.WithinDuration(t, time.Now().Add(time.Hour), cert.NotAfter, time.Minute)

	assert.NoError(t, cert.VerifyHostname("127.0.0.1"))
	assert.Error(t, cert.VerifyHostname("example.com"))
}

func Test_SelfSignedCertificate_NoHost(t *testing.T) {
	_, _, err := SelfSignedCertificate(time.Hour)
	assert.Error(t, err)
}
