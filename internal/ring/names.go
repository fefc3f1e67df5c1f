package ring

// Well-known segment names and default sizes from spec.md §6. Segment names
// begin with "/"; the matching semaphore file shares the base name.
const (
	ControllerAlarmSegment  = "/mindie_controller_alarms"
	CoordinatorAlarmSegment = "/mindie_coordinator_alarms"
	ControllerHeartbeatShm  = "/smu_ctrl_heartbeat_shm"
	CoordinatorHeartbeatShm = "/smu_coord_heartbeat_shm"
	AdapterHeartbeatShm     = "/smu_adapter_heartbeat_shm"
)

// InstanceHeartbeatShm returns the per-instance heartbeat segment name.
func InstanceHeartbeatShm(instance string) string {
	return "/smu_heartbeat_" + instance + "_shm"
}

const (
	DefaultHeartbeatBufferSize uint32 = 128
	DefaultAlarmBufferSize     uint32 = 10 * 1024 * 1024
)
