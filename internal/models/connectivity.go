package models

// ConnectivityStatus 与中心服务器的连接状态（床旁界面只看到这一粗粒度状态）
type ConnectivityStatus string

const (
	ConnectivityUnknown  ConnectivityStatus = "UNKNOWN"
	ConnectivityOnline   ConnectivityStatus = "ONLINE"
	ConnectivityDegraded ConnectivityStatus = "DEGRADED" // 有失败但尚未断开
	ConnectivityOffline  ConnectivityStatus = "OFFLINE"
)
