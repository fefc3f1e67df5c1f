// Package workerclient implements WorkerClient (spec.md §4.6, named
// ServerRequestHandler in the original): typed HTTP wrappers over an
// individual worker's management port. Grounded on the teacher's
// Dispatcher (control_plane/jobs.go) — a per-call http.Client with a fixed
// timeout, context-aware request construction, and status-code-driven
// success/failure branching.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/inferfleet/clusterctl/internal/alarm"
	"github.com/inferfleet/clusterctl/internal/errs"
	"github.com/inferfleet/clusterctl/internal/model"
)

const defaultTimeout = 5 * time.Second

// Client is a typed HTTP client to one worker's management port.
type Client struct {
	httpClient *http.Client
	alarms     *alarm.Pipeline
}

func New(alarms *alarm.Pipeline) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		alarms:     alarms,
	}
}

func mgmtURL(ip string, port int, path string) string {
	return fmt.Sprintf("http://%s:%d%s", ip, port, path)
}

func (c *Client) raiseServerAlarm(kind errs.Kind, nodeIP string, port int, cause error) {
	eventType := "SERVER_NO_REPLY"
	if kind == errs.Exception {
		eventType = "SERVER_RESPONSE_ERROR"
	}
	if c.alarms == nil {
		return
	}
	c.alarms.AlarmAdded(alarm.Record{
		Category:            alarm.CategoryServer,
		EventType:           eventType,
		Severity:            alarm.SeverityMajor,
		ServiceAffectedType: alarm.ServiceAffectedDegraded,
		ReasonID:            kind.String(),
		Source:              fmt.Sprintf("%s:%d", nodeIP, port),
		Message:             cause.Error(),
	})
}

// configResponse is the GET /config payload from spec.md §6.
type configResponse struct {
	ModelName      string `json:"modelName"`
	MaxSeqLen      uint32 `json:"maxSeqLen"`
	MaxOutputLen   uint32 `json:"maxOutputLen"`
	CacheBlockSize uint32 `json:"cacheBlockSize"`
}

// QueryInstanceInfo issues GET /config and validates field ranges per
// spec.md §4.6: maxOutputLen∈[1,4294967294], blockSize∈[1,128],
// maxSeqLen∈[0,2^32-1].
func (c *Client) QueryInstanceInfo(ctx context.Context, ip string, port int) (*model.StaticInfo, error) {
	var body configResponse
	if err := c.getJSON(ctx, mgmtURL(ip, port, "/config"), &body); err != nil {
		c.raiseServerAlarm(errs.Unreachable, ip, port, err)
		return nil, errs.Wrap(errs.Unreachable, "query instance info", err)
	}

	if body.MaxOutputLen < 1 || body.MaxOutputLen > 4294967294 {
		err := fmt.Errorf("maxOutputLen %d out of range [1,4294967294]", body.MaxOutputLen)
		c.raiseServerAlarm(errs.Exception, ip, port, err)
		return nil, errs.Wrap(errs.Exception, "query instance info", err)
	}
	if body.CacheBlockSize < 1 || body.CacheBlockSize > 128 {
		err := fmt.Errorf("blockSize %d out of range [1,128]", body.CacheBlockSize)
		c.raiseServerAlarm(errs.Exception, ip, port, err)
		return nil, errs.Wrap(errs.Exception, "query instance info", err)
	}

	return &model.StaticInfo{
		MaxSeqLen:    body.MaxSeqLen,
		MaxOutputLen: body.MaxOutputLen,
		BlockSize:    body.CacheBlockSize,
		Label:        body.ModelName,
	}, nil
}

// statusPeer mirrors the optional peers entries in GET /status.
type statusPeer struct {
	Target uint64 `json:"target"`
	Link   string `json:"link"`
}

type statusResponse struct {
	Service struct {
		RoleStatus  string `json:"roleStatus"`
		CurrentRole string `json:"currentRole"`
	} `json:"service"`
	Resource struct {
		AvailSlotsNum         uint64 `json:"availSlotsNum"`
		AvailBlockNum         uint64 `json:"availBlockNum"`
		WaitingRequestNum     uint64 `json:"waitingRequestNum"`
		RunningRequestNum     uint64 `json:"runningRequestNum"`
		SwappedRequestNum     uint64 `json:"swappedRequestNum"`
		FreeNpuBlockNums      uint64 `json:"freeNpuBlockNums"`
		FreeCpuBlockNums      uint64 `json:"freeCpuBlockNums"`
		TotalNpuBlockNums     uint64 `json:"totalNpuBlockNums"`
		TotalCpuBlockNums     uint64 `json:"totalCpuBlockNums"`
		TotalAvailNpuSlotsNum uint64 `json:"totalAvailNpuSlotsNum"`
		TotalAvailNpuBlockNum uint64 `json:"totalAvailNpuBlockNum"`
		MaxAvailNpuBlockNum   uint64 `json:"maxAvailNpuBlockNum"`
	} `json:"resource"`
	Peers []statusPeer `json:"peers"`
}

var validRoleStatus = map[string]bool{"RoleUnknown": true, "RoleSwitching": true, "RoleReady": true}
var validCurrentRole = map[string]bool{"prefill": true, "decode": true, "flex": true, "none": true}

// StatusResult is the validated, parsed outcome of UpdateNodeStatus.
type StatusResult struct {
	RoleStatus  string
	CurrentRole model.Role
	Dynamic     model.DynamicInfo
	Peers       []statusPeer
}

// UpdateNodeStatus issues GET /status (multiNode selects v1 vs v2 resource
// field names) and validates the response per spec.md §4.6. On an invalid
// roleStatus/currentRole or out-of-range slot count it returns an error AND
// raises a SERVER_RESPONSE_ERROR alarm; a transport, non-200 or JSON decode
// failure returns an error and raises SERVER_NO_REPLY instead. The caller (StatusUpdater) is responsible for setting roleState=UNKNOWN,
// isHealthy=false on the node.
func (c *Client) UpdateNodeStatus(ctx context.Context, ip string, port int, multiNode bool) (*StatusResult, error) {
	var body statusResponse
	if err := c.getJSON(ctx, mgmtURL(ip, port, "/status"), &body); err != nil {
		c.raiseServerAlarm(errs.Unreachable, ip, port, err)
		return nil, errs.Wrap(errs.Unreachable, "update node status", err)
	}

	if !validRoleStatus[body.Service.RoleStatus] {
		err := fmt.Errorf("invalid roleStatus %q", body.Service.RoleStatus)
		c.raiseServerAlarm(errs.Exception, ip, port, err)
		return nil, errs.Wrap(errs.Exception, "update node status", err)
	}
	if !validCurrentRole[body.Service.CurrentRole] {
		err := fmt.Errorf("invalid currentRole %q", body.Service.CurrentRole)
		c.raiseServerAlarm(errs.Exception, ip, port, err)
		return nil, errs.Wrap(errs.Exception, "update node status", err)
	}

	avail, blocks := body.Resource.AvailSlotsNum, body.Resource.AvailBlockNum
	if multiNode {
		avail = body.Resource.TotalAvailNpuSlotsNum
		blocks = body.Resource.TotalAvailNpuBlockNum
	}
	if avail > 5000 {
		err := fmt.Errorf("slot count %d out of range [0,5000]", avail)
		c.raiseServerAlarm(errs.Exception, ip, port, err)
		return nil, errs.Wrap(errs.Exception, "update node status", err)
	}

	return &StatusResult{
		RoleStatus:  body.Service.RoleStatus,
		CurrentRole: model.ParseRole(body.Service.CurrentRole),
		Dynamic: model.DynamicInfo{
			AvailSlots:      avail,
			AvailBlocks:     blocks,
			WaitingRequests: body.Resource.WaitingRequestNum,
			RunningRequests: body.Resource.RunningRequestNum,
			SwappedRequests: body.Resource.SwappedRequestNum,
			FreeNpuBlocks:   body.Resource.FreeNpuBlockNums,
			FreeCpuBlocks:   body.Resource.FreeCpuBlockNums,
			TotalNpuBlocks:  body.Resource.TotalNpuBlockNums,
			TotalCpuBlocks:  body.Resource.TotalCpuBlockNums,
		},
		Peers: body.Peers,
	}, nil
}

// RolePayload is the request body for PostSingleRole, matching spec.md
// §6's POST /role/{...} body shape.
type RolePayload struct {
	Local struct {
		Device               []model.DeviceSlot `json:"device"`
		ServerIP             string              `json:"server_ip"`
		ID                   uint64              `json:"id"`
		HostIP               string              `json:"host_ip"`
		InstanceIdxInPod     int                 `json:"instance_idx_in_pod"`
		NumInstancesPerPod   int                 `json:"num_instances_per_pod"`
		IsSingleContainer    bool                `json:"is_single_container"`
		SuperPodID           string              `json:"super_pod_id,omitempty"`
		PPercentage          *int                `json:"p_percentage,omitempty"`
	} `json:"local"`
	Peers []struct {
		Device     []model.DeviceSlot `json:"device"`
		ServerIP   string              `json:"server_ip"`
		ID         uint64              `json:"id"`
		HostIP     string              `json:"host_ip"`
		SuperPodID string              `json:"super_pod_id,omitempty"`
	} `json:"peers"`
}

const (
	postRoleMaxRetries = 1440
	postRoleWait       = 5 * time.Second
)

// RanktableChanged reports whether the cluster topology has changed more
// recently than a given time — passed in by the caller so PostSingleRole
// can exit its retry loop early rather than assign against stale topology.
type RanktableChanged func(since time.Time) bool

// PostSingleRole POSTs payload to the worker's role-assignment URL and
// retries up to 1440 times at a 5-second interval until the response is
// {"result":"ok"}, exiting early if ranktableChanged reports a topology
// change since the call began.
func (c *Client) PostSingleRole(ctx context.Context, ip string, port int, role model.Role, payload RolePayload, ranktableChanged RanktableChanged) error {
	url := mgmtURL(ip, port, "/role/"+role.String())
	startedAt := time.Now()

	var lastErr error
	for attempt := 0; attempt < postRoleMaxRetries; attempt++ {
		if ranktableChanged != nil && ranktableChanged(startedAt) {
			return errs.New(errs.CallError, "post single role aborted: ranktable changed since dispatch")
		}

		var result struct {
			Result string `json:"result"`
		}
		err := c.postJSON(ctx, url, payload, &result)
		if err == nil && result.Result == "ok" {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return errs.Wrap(errs.Unreachable, "post single role cancelled", ctx.Err())
		case <-time.After(postRoleWait):
		}
	}
	c.raiseServerAlarm(errs.Unreachable, ip, port, lastErr)
	return errs.Wrap(errs.Unreachable, "post single role exhausted retries", lastErr)
}

// TerminateService issues GET /stop?mode=Force.
func (c *Client) TerminateService(ctx context.Context, ip string, port int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mgmtURL(ip, port, "/stop?mode=Force"), nil)
	if err != nil {
		return errs.Wrap(errs.Exception, "terminate service", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.raiseServerAlarm(errs.Unreachable, ip, port, err)
		return errs.Wrap(errs.Unreachable, "terminate service", err)
	}
	defer resp.Body.Close()
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(data))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, url string, payload, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
