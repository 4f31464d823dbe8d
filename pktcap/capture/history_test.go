package capture

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/netcap-toolbox/pktcap/store"
)

func packetN(i int) CapturedPacket {
	return CapturedPacket{
		Protocol:    ProtocolUDP,
		Source:      "10.0.0.2",
		Destination: "10.0.0." + strconv.Itoa(i%250+1),
		SourcePort:  uint16(i),
		Timestamp:   time.Unix(int64(i), 0).UTC(),
		Details:     "Length: 8 bytes",
		Length:      28,
	}
}

func TestHistory_EvictsOldestFirst(t *testing.T) {
	t.Parallel()

	h := NewHistory(nil, DefaultHistorySize)
	t.Cleanup(func() { _ = h.Close() })

	for i := range DefaultHistorySize {
		require.NoError(t, h.Append(packetN(i)))
	}
	assert.Equal(t, DefaultHistorySize, h.Len())

	require.NoError(t, h.Append(packetN(DefaultHistorySize)))
	assert.Equal(t, DefaultHistorySize, h.Len())

	all, err := h.Recent(0)
	require.NoError(t, err)
	require.Len(t, all, DefaultHistorySize)
	assert.Equal(t, uint16(1), all[0].SourcePort)
	assert.Equal(t, uint16(DefaultHistorySize), all[len(all)-1].SourcePort)
}

func TestHistory_NeverExceedsLimit(t *testing.T) {
	t.Parallel()

	mem := store.NewMemStorage()
	h := NewHistory(mem, 5)
	t.Cleanup(func() { _ = h.Close() })

	for i := range 23 {
		require.NoError(t, h.Append(packetN(i)))
		assert.LessOrEqual(t, h.Len(), 5)
		assert.LessOrEqual(t, mem.Len(), 5)
	}
}

func TestHistory_Recent(t *testing.T) {
	t.Parallel()

	h := NewHistory(nil, 10)
	t.Cleanup(func() { _ = h.Close() })

	for i := range 4 {
		require.NoError(t, h.Append(packetN(i)))
	}

	tests := []struct {
		name  string
		n     int
		ports []uint16
	}{
		{name: "all", n: 0, ports: []uint16{0, 1, 2, 3}},
		{name: "newest_two", n: 2, ports: []uint16{2, 3}},
		{name: "more_than_retained", n: 9, ports: []uint16{0, 1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.Recent(tt.n)
			require.NoError(t, err)
			ports := make([]uint16, 0, len(got))
			for _, p := range got {
				ports = append(ports, p.SourcePort)
			}
			assert.Equal(t, tt.ports, ports)
		})
	}
}

func TestHistory_RoundTripFields(t *testing.T) {
	t.Parallel()

	h := NewHistory(nil, 0)
	t.Cleanup(func() { _ = h.Close() })
	assert.Equal(t, DefaultHistorySize, h.Limit())

	in := packetN(7)
	require.NoError(t, h.Append(in))

	got, err := h.Recent(0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, in.Protocol, got[0].Protocol)
	assert.Equal(t, in.Destination, got[0].Destination)
	assert.Equal(t, in.Details, got[0].Details)
	assert.True(t, in.Timestamp.Equal(got[0].Timestamp))
}

func TestHistory_Clear(t *testing.T) {
	t.Parallel()

	h := NewHistory(nil, 3)
	t.Cleanup(func() { _ = h.Close() })

	for i := range 3 {
		require.NoError(t, h.Append(packetN(i)))
	}
	require.NoError(t, h.Clear())
	assert.Equal(t, 0, h.Len())

	require.NoError(t, h.Append(packetN(9)))
	got, err := h.Recent(0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint16(9), got[0].SourcePort)
}

func TestHistory_ConcurrentAppendAndRead(t *testing.T) {
	t.Parallel()

	h := NewHistory(nil, 50)
	t.Cleanup(func() { _ = h.Close() })

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				assert.NoError(t, h.Append(packetN(w*100+i)))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 100 {
			got, err := h.Recent(0)
			assert.NoError(t, err)
			assert.LessOrEqual(t, len(got), 50)
		}
	}()
	wg.Wait()

	assert.Equal(t, 50, h.Len())
}
