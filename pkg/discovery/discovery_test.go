package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerTXTRoundTrip(t *testing.T) {
	txt := EncodeServerTXT(&ServerInfo{Name: "beamline", Records: 3})
	assert.Equal(t, []string{"name=beamline", "records=3", "vers=1"}, TXTRecordsToStrings(txt))

	info, version, err := DecodeServerTXT(StringsToTXTRecords(TXTRecordsToStrings(txt)))
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, version)
	assert.Equal(t, "beamline", info.Name)
	assert.Equal(t, 3, info.Records)
}

func TestDecodeServerTXTErrors(t *testing.T) {
	tests := []struct {
		name string
		txt  TXTRecordMap
		want error
	}{
		{"missing version", TXTRecordMap{"name": "x"}, ErrMissingRequired},
		{"bad version", TXTRecordMap{"vers": "one"}, ErrInvalidTXTRecord},
		{"future version", TXTRecordMap{"vers": "9"}, ErrInvalidVersion},
		{"bad record count", TXTRecordMap{"vers": "1", "records": "-2"}, ErrInvalidTXTRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeServerTXT(tt.txt)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStringsToTXTRecords(t *testing.T) {
	txt := StringsToTXTRecords([]string{"a=1", "flag", "b=x=y", ""})
	assert.Equal(t, TXTRecordMap{"a": "1", "flag": "", "b": "x=y"}, txt)
}

func TestServerAddr(t *testing.T) {
	s := &Server{Host: "ioc.local.", Port: 5064}
	assert.Equal(t, "ioc.local.:5064", s.Addr())

	s.Addresses = []string{"fe80::1", "10.0.0.2"}
	assert.Equal(t, "[fe80::1]:5064", s.Addr())
}

func TestValidateInstanceName(t *testing.T) {
	assert.NoError(t, ValidateInstanceName("ioc1"))
	assert.ErrorIs(t, ValidateInstanceName(""), ErrInstanceNameTooLong)
	assert.ErrorIs(t, ValidateInstanceName(string(make([]byte, 64))), ErrInstanceNameTooLong)
}

// fakeBrowser feeds raw entries through the same aggregation the mDNS
// browser uses.
type fakeBrowser struct {
	entries chan ServiceEntry
	gone    chan ServiceEntry
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{entries: make(chan ServiceEntry), gone: make(chan ServiceEntry)}
}

func (f *fakeBrowser) Browse(ctx context.Context) (<-chan *Server, <-chan *Server, error) {
	added, removed := make(chan *Server), make(chan *Server)
	go aggregate(ctx, f.entries, f.gone, added, removed)
	return added, removed, nil
}

func (f *fakeBrowser) Stop() { close(f.entries) }

func entry(instance string, addrs ...string) ServiceEntry {
	return ServiceEntry{
		Instance: instance,
		Host:     instance + ".local.",
		Port:     DefaultPort,
		Text:     []string{"vers=1"},
		Addrs:    addrs,
	}
}

func TestAggregateMergesInterfaces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFakeBrowser()
	added, removed, err := f.Browse(ctx)
	require.NoError(t, err)

	f.entries <- entry("ioc1", "10.0.0.1")
	svc := <-added
	assert.Equal(t, "ioc1", svc.InstanceName)
	assert.Equal(t, "10.0.0.1:5064", svc.Addr())

	f.entries <- entry("ioc1", "fe80::1") // same server, second interface
	f.entries <- ServiceEntry{Instance: "junk", Text: []string{"vers=x"}}
	f.entries <- entry("ioc2", "10.0.0.2")
	assert.Equal(t, "ioc2", (<-added).InstanceName, "duplicates and bad records are not reported")

	f.gone <- entry("ioc1", "10.0.0.1")
	f.gone <- entry("ioc1", "fe80::1")
	assert.Equal(t, "ioc1", (<-removed).InstanceName, "removed with its last address")

	f.Stop()
	_, ok := <-added
	assert.False(t, ok)
}

func TestWatchAndFindAll(t *testing.T) {
	f := newFakeBrowser()
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var found []string
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, f, func(addr string) {
			mu.Lock()
			defer mu.Unlock()
			found = append(found, addr)
		})
	}()

	f.entries <- entry("a", "10.0.0.1")
	f.entries <- entry("b", "10.0.0.2")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(found) == 2
	}, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	f2 := newFakeBrowser()
	go func() {
		f2.entries <- entry("z", "10.0.0.9")
		f2.entries <- entry("y", "10.0.0.8")
	}()
	servers, err := FindAll(context.Background(), f2, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "y", servers[0].InstanceName)
}
