package extract

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/mammo0/networkminer-cli-sub000/internal/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dnsFrame(t *testing.T, src, dst string, sp, dp uint16, msg *layers.DNS) []byte {
	t.Helper()
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.ParseIP(src).To4(), DstIP: net.ParseIP(dst).To4()}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sp), DstPort: layers.UDPPort(dp)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
		EthernetType: layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, msg))
	return append([]byte(nil), buf.Bytes()...)
}

func writeCapture(t *testing.T) string {
	t.Helper()
	q := layers.DNSQuestion{Name: []byte("files.example.net"), Type: layers.DNSTypeA, Class: layers.DNSClassIN}
	query := &layers.DNS{ID: 42, RD: true, Questions: []layers.DNSQuestion{q}}
	answer := &layers.DNS{ID: 42, QR: true, RD: true, RA: true, Questions: []layers.DNSQuestion{q},
		Answers: []layers.DNSResourceRecord{{Name: q.Name, Type: layers.DNSTypeA, Class: layers.DNSClassIN, TTL: 300, IP: net.IPv4(203, 0, 113, 9)}}}

	path := filepath.Join(t.TempDir(), "dns.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, data := range [][]byte{
		dnsFrame(t, "10.1.1.10", "10.1.1.53", 40000, 53, query),
		dnsFrame(t, "10.1.1.53", "10.1.1.10", 53, 40000, answer),
	} {
		ci := gopacket.CaptureInfo{Timestamp: ts.Add(time.Duration(i) * time.Millisecond), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func TestExtractPrintsEventsAndSummary(t *testing.T) {
	path := writeCapture(t)
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("output.directory", filepath.Join(t.TempDir(), "out"))

	var stdout, stderr bytes.Buffer
	ExtractCmd.SetOut(&stdout)
	ExtractCmd.SetErr(&stderr)
	ExtractCmd.SetContext(context.Background())
	require.NoError(t, runExtract(ExtractCmd, []string{path}))

	var kinds []string
	var answer map[string]any
	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		kinds = append(kinds, line["type"].(string))
		if line["type"] == "dns:record" {
			if data := line["data"].(map[string]any); data["response"] == true {
				answer = data
			}
		}
	}
	assert.Contains(t, kinds, "host:detected")
	require.NotNil(t, answer)
	assert.Equal(t, "files.example.net", answer["name"])
	assert.Equal(t, "203.0.113.9", answer["value"])

	var s summary
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(stderr.Bytes()), &s))
	assert.Equal(t, uint64(2), s.Frames)
	assert.NotEmpty(t, s.Build.Version)
	// both endpoints plus the answered address
	assert.Equal(t, 3, s.Hosts)
	assert.Equal(t, len(kinds), s.Events)
}

func TestExtractMissingFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("output.events", false)

	ExtractCmd.SetOut(&bytes.Buffer{})
	ExtractCmd.SetErr(&bytes.Buffer{})
	ExtractCmd.SetContext(context.Background())
	err := runExtract(ExtractCmd, []string{filepath.Join(t.TempDir(), "missing.pcap")})
	assert.ErrorContains(t, err, "failed to open capture file")
}

func TestMetricsRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Packet("tcp")
	srv := httptest.NewServer(newMetricsRouter(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body strings.Builder
	_, err = bufio.NewReader(resp.Body).WriteTo(&body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `flowminer_packets_processed_total{transport="tcp"} 1`)

	resp2, err := http.Post(srv.URL+"/metrics", "text/plain", nil)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)

	resp3, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)
}
