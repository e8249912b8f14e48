package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "verify", "probe"})
	assert.NotNil(t, root.RunE, "serve is the default")
}

func writeAgents(t *testing.T, keyPEM string) string {
	t.Helper()
	body := `bot_username = "good.bot"

[agents."good.bot"]
project_id = "p1"
client_email = "good@p1.iam"
private_key = '''
` + keyPEM + `'''

[agents."bad.bot"]
project_id = "p2"
client_email = "revoked@p2.iam"
private_key = '''
` + keyPEM + `'''
`
	path := filepath.Join(t.TempDir(), "agents.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVerifyReportsEachBot(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		parsed, err := jwt.Parse(r.PostForm.Get("assertion"), func(*jwt.Token) (any, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation())
		if err != nil || parsed.Claims.(jwt.MapClaims)["iss"] != "good@p1.iam" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"ok","expires_in":3600}`))
	}))
	t.Cleanup(server.Close)

	t.Setenv("PLATFORM_URL", "http://platform.local")
	t.Setenv("TOKEN_URL", server.URL)
	t.Setenv("AGENTS_FILE", writeAgents(t, keyPEM))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"verify"})

	err = root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 bots failed")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Contains(t, lines, "OK      good.bot")
	found := false
	for _, l := range lines {
		if strings.HasPrefix(l, "FAILED  bad.bot") {
			found = true
		}
	}
	assert.True(t, found, out.String())
}
