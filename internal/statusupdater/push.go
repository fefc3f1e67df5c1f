package statusupdater

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/inferfleet/clusterctl/internal/model"
)

// CoordinatorPusher delivers a cluster snapshot to the Coordinator's
// refresh endpoint (spec.md §6, POST /v1/instances/refresh).
type CoordinatorPusher interface {
	PushSnapshot(ctx context.Context, nodes []*model.NodeInfo) error
}

type staticInfoWire struct {
	GroupID       string `json:"group_id"`
	Role          string `json:"role"`
	PPercentage   int    `json:"p_percentage"`
	MaxSeqLen     uint32 `json:"max_seq_len"`
	MaxOutputLen  uint32 `json:"max_output_len"`
	TotalSlotsNum uint64 `json:"total_slots_num"`
	TotalBlockNum uint64 `json:"total_block_num"`
	BlockSize     uint32 `json:"block_size"`
	Label         string `json:"label"`
	VirtualID     uint64 `json:"virtual_id"`
}

type dynamicInfoWire struct {
	AvailSlotsNum uint64   `json:"avail_slots_num"`
	AvailBlockNum uint64   `json:"avail_block_num"`
	Peers         []uint64 `json:"peers,omitempty"`
	PrefixHash    []uint64 `json:"prefix_hash,omitempty"`
}

type instanceWire struct {
	ID            uint64          `json:"id"`
	IP            string          `json:"ip"`
	Port          int             `json:"port"`
	MetricPort    int             `json:"metric_port"`
	InterCommPort int             `json:"inter_comm_port"`
	ModelName     string          `json:"model_name"`
	StaticInfo    staticInfoWire  `json:"static_info"`
	DynamicInfo   dynamicInfoWire `json:"dynamic_info"`
}

type refreshPayload struct {
	IDs       []uint64       `json:"ids"`
	Instances []instanceWire `json:"instances"`
}

// HTTPPusher POSTs a refresh payload to the Coordinator's management port.
type HTTPPusher struct {
	httpClient *http.Client
	url        string
}

func NewHTTPPusher(manageIP string, managePort int) *HTTPPusher {
	return &HTTPPusher{
		httpClient: &http.Client{Timeout: 5 * time.Second},
		url:        fmt.Sprintf("http://%s:%d/v1/instances/refresh", manageIP, managePort),
	}
}

func (p *HTTPPusher) PushSnapshot(ctx context.Context, nodes []*model.NodeInfo) error {
	payload := refreshPayload{}
	for _, n := range nodes {
		payload.IDs = append(payload.IDs, n.ID)
		payload.Instances = append(payload.Instances, instanceWire{
			ID:            n.ID,
			IP:            n.IP,
			Port:          n.Port,
			MetricPort:    n.MetricPort,
			InterCommPort: n.InterCommPort,
			ModelName:     n.ModelName,
			StaticInfo: staticInfoWire{
				GroupID:       n.GroupID,
				Role:          n.Role.String(),
				PPercentage:   n.Static.FlexPRatio,
				MaxSeqLen:     n.Static.MaxSeqLen,
				MaxOutputLen:  n.Static.MaxOutputLen,
				TotalSlotsNum: n.Static.TotalSlots,
				TotalBlockNum: n.Static.TotalBlocks,
				BlockSize:     n.Static.BlockSize,
				Label:         n.Static.Label,
				VirtualID:     n.VirtualID,
			},
			DynamicInfo: dynamicInfoWire{
				AvailSlotsNum: n.Dynamic.AvailSlots,
				AvailBlockNum: n.Dynamic.AvailBlocks,
				Peers:         n.Peers,
			},
		})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("statusupdater: marshal refresh payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("statusupdater: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("statusupdater: push refresh: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("statusupdater: refresh rejected, status %d: %s", resp.StatusCode, body)
	}
	return nil
}
