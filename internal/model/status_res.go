package model

// StatusRes summarises engine health for the status endpoint.
type StatusRes struct {
	Status          string         `json:"status"`
	ActiveDeviceNum int            `json:"activeDeviceNum"`
	AllDeviceNum    int            `json:"allDeviceNum"`
	Notifications   map[string]int `json:"notifications"`
	PendingPostpone int            `json:"pendingPostpones"`
}
