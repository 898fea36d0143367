package model

// MockPattern 模拟规则：URL 前缀命中时以 MockResponse 替换真实响应
type MockPattern struct {
	URLPattern     string `json:"urlPattern"`
	Method         string `json:"method,omitempty"`
	MockResponse   string `json:"mockResponse"`
	MockStatusCode int    `json:"mockStatusCode,omitempty"`
}

// StatusCode 返回模拟状态码，未设置时为 200
func (p MockPattern) StatusCode() int {
	if p.MockStatusCode == 0 {
		return 200
	}
	return p.MockStatusCode
}

// SessionState 会话控制器状态
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateLaunching SessionState = "launching"
	StateActive    SessionState = "active"
	StateClosing   SessionState = "closing"
)

// SessionInfo 当前会话概要
type SessionInfo struct {
	State           SessionState `json:"state"`
	SessionID       string       `json:"sessionId,omitempty"`
	BrowserName     string       `json:"browserName,omitempty"`
	DebuggerAddress string       `json:"debuggerAddress,omitempty"`
	DriverEndpoint  string       `json:"driverEndpoint,omitempty"`
}

// LocalStorageConfig 向指定站点注入 localStorage 的配置
type LocalStorageConfig struct {
	URL           string         `json:"url"`
	StorageValues map[string]any `json:"storageValues"`
}

// InterceptionRecord 拦截历史记录的对外视图
type InterceptionRecord struct {
	ID         string `json:"id"`
	SessionID  string `json:"sessionId"`
	URL        string `json:"url"`
	Method     string `json:"method"`
	Stage      string `json:"stage"`
	Mocked     bool   `json:"mocked"`
	Bytes      int    `json:"bytes"`
	StatusCode int    `json:"statusCode"`
	Summary    string `json:"summary"`
	CreatedAt  int64  `json:"createdAt"`
}
