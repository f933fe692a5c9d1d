package archive

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provisioner/pkg/config"
)

func newPipeSFTP(t *testing.T) *sftp.Client {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	server, err := sftp.NewServer(serverConn)
	require.NoError(t, err)
	go func() { _ = server.Serve() }()

	client, err := sftp.NewClientPipe(clientConn, clientConn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	return client
}

func TestSFTPArchiverRoundTrip(t *testing.T) {
	ctx := context.Background()
	remote := t.TempDir() + "/backups"
	a := NewSFTPArchiver(newPipeSFTP(t), nil, remote, zerolog.Nop())
	defer a.Close()

	first := BackupName(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	second := BackupName(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, a.Put(ctx, second, strings.NewReader("two")))
	require.NoError(t, a.Put(ctx, first, strings.NewReader("one")))
	require.NoError(t, a.Put(ctx, second, strings.NewReader("two again")))

	names, err := a.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, names)

	rc, err := a.Get(ctx, second)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "two again", string(data))
}

func TestSFTPConfigRequiresHostKeyPolicy(t *testing.T) {
	_, err := sshClientConfig(config.SFTPArchiveConfig{User: "u", Password: "p"})
	assert.ErrorContains(t, err, "known_hosts_file")

	_, err = sshClientConfig(config.SFTPArchiveConfig{User: "u", InsecureIgnoreHostKey: true})
	assert.ErrorContains(t, err, "password or key_file")

	cc, err := sshClientConfig(config.SFTPArchiveConfig{User: "u", Password: "p", InsecureIgnoreHostKey: true})
	require.NoError(t, err)
	assert.Equal(t, "u", cc.User)
	assert.Len(t, cc.Auth, 2)
}

// fakeS3 serves the path-style PutObject, GetObject and ListObjectsV2 calls
// the archiver makes.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

type listResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string   `xml:"Name"`
	Prefix      string   `xml:"Prefix"`
	KeyCount    int      `xml:"KeyCount"`
	MaxKeys     int      `xml:"MaxKeys"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key  string `xml:"Key"`
		Size int    `xml:"Size"`
	} `xml:"Contents"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rest, ok := strings.CutPrefix(r.URL.Path, "/"+f.bucket)
	if !ok {
		http.Error(w, "no such bucket", http.StatusNotFound)
		return
	}
	key := strings.TrimPrefix(rest, "/")

	switch {
	case r.Method == http.MethodPut && key != "":
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.objects[key] = body
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && key == "":
		prefix := r.URL.Query().Get("prefix")
		res := listResult{Name: f.bucket, Prefix: prefix, MaxKeys: 1000}
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Contents = append(res.Contents, struct {
				Key  string `xml:"Key"`
				Size int    `xml:"Size"`
			}{k, len(f.objects[k])})
		}
		res.KeyCount = len(keys)
		w.Header().Set("Content-Type", "application/xml")
		_ = xml.NewEncoder(w).Encode(res)
	case r.Method == http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		_, _ = io.Copy(w, bytes.NewReader(body))
	default:
		http.Error(w, "unsupported", http.StatusMethodNotAllowed)
	}
}

func TestS3ArchiverRoundTrip(t *testing.T) {
	t.Setenv("AWS_CONFIG_FILE", "/dev/null")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", "/dev/null")

	fake := &fakeS3{bucket: "backups", objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	ctx := context.Background()
	a, err := NewS3Archiver(ctx, config.S3ArchiveConfig{
		Bucket:          "backups",
		Prefix:          "/provisioner/",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
	}, zerolog.Nop())
	require.NoError(t, err)

	name := BackupName(time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC))
	require.NoError(t, a.Put(ctx, name, bytes.NewReader([]byte("payload"))))

	fake.mu.Lock()
	assert.Equal(t, []byte("payload"), fake.objects["provisioner/"+name])
	fake.objects["provisioner/unrelated.txt"] = []byte("x")
	fake.mu.Unlock()

	names, err := a.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{name}, names)

	rc, err := a.Get(ctx, name)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(data))
}
