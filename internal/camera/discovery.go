package camera

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// DeviceInfo は検出したカメラデバイスの情報
type DeviceInfo struct {
	Device      string    `json:"device"`
	Name        string    `json:"name"`
	Resolutions []Profile `json:"resolutions"`
}

// Discovery はカメラデバイスの検出を行う
type Discovery interface {
	ScanDevices(ctx context.Context) ([]string, error)
	IsDeviceAvailable(ctx context.Context, device string) bool
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// AssignFacing は検出したデバイスを向きに割り当てる
// 1台目を前面（user）、2台目を背面（environment）とする
func AssignFacing(devices []string) map[FacingMode]string {
	assigned := make(map[FacingMode]string)
	if len(devices) > 0 {
		assigned[FacingUser] = devices[0]
	}
	if len(devices) > 1 {
		assigned[FacingEnvironment] = devices[1]
	}
	return assigned
}

// LinuxDiscovery は/dev/video*からV4L2デバイスを検出する
type LinuxDiscovery struct{}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() Discovery {
	return &LinuxDiscovery{}
}

// ScanDevices はカラー映像を出力できるデバイスを番号順に返す
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	seen := make(map[string]bool)
	for _, match := range matches {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		if !d.IsDeviceAvailable(ctx, match) {
			continue
		}

		formats, err := listFormats(ctx, match)
		if err != nil || !hasColorFormat(formats) {
			continue
		}

		// 同じカメラの複数ノードは一番小さい番号だけ使う
		name := deviceName(ctx, match)
		if name != "" && seen[name] {
			continue
		}
		seen[name] = true
		devices = append(devices, match)
	}

	return devices, nil
}

// IsDeviceAvailable はデバイスファイルが存在し読み取れるかを返す
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !videoNode.MatchString(device) {
		return false
	}
	return checkDeviceFile(device) == nil
}

// GetDeviceInfo はデバイス名と対応解像度を取得する
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !d.IsDeviceAvailable(ctx, device) {
		return nil, fmt.Errorf("デバイスが利用できません: %s", device)
	}

	info := &DeviceInfo{Device: device, Name: deviceName(ctx, device)}
	if info.Name == "" {
		info.Name = fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
	}

	if formats, err := listFormats(ctx, device); err == nil {
		info.Resolutions = parseResolutions(formats)
	}
	return info, nil
}

var (
	videoNode    = regexp.MustCompile(`^/dev/video\d+$`)
	deviceNumber = regexp.MustCompile(`video(\d+)`)
	discreteSize = regexp.MustCompile(`Size:\s*Discrete\s*(\d+)x(\d+)`)
)

func listFormats(ctx context.Context, device string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--list-formats-ext").Output()
	if err != nil {
		return "", fmt.Errorf("フォーマット一覧の取得に失敗: %w", err)
	}
	return string(out), nil
}

// hasColorFormat はグレースケール専用（IRカメラ等）でないかを返す
func hasColorFormat(formats string) bool {
	return strings.Contains(formats, "YUYV") || strings.Contains(formats, "MJPG")
}

// parseResolutions は対応解像度を画素数の大きい順に重複なく返す
func parseResolutions(formats string) []Profile {
	seen := make(map[Profile]bool)
	var profiles []Profile
	for _, m := range discreteSize.FindAllStringSubmatch(formats, -1) {
		w, _ := strconv.Atoi(m[1])
		h, _ := strconv.Atoi(m[2])
		p := Profile{Width: w, Height: h}
		if seen[p] {
			continue
		}
		seen[p] = true
		profiles = append(profiles, p)
	}
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Pixels() > profiles[j].Pixels()
	})
	return profiles
}

// deviceName はv4l2-ctl --infoの "Card type" を返す
func deviceName(ctx context.Context, device string) string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--info").Output()
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Card type") {
			continue
		}
		if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// extractDeviceNumber は /dev/videoXX の XX を返す
func extractDeviceNumber(device string) int {
	m := deviceNumber.FindStringSubmatch(device)
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	devices []string
	infos   map[string]*DeviceInfo
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	m := &MockDiscovery{infos: make(map[string]*DeviceInfo)}
	for _, device := range devices {
		m.AddDevice(device)
	}
	return m
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	return append([]string(nil), m.devices...), nil
}

// IsDeviceAvailable はモックデバイスが登録済みかを返す
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	_, ok := m.infos[device]
	return ok
}

// GetDeviceInfo はモックデバイス情報のコピーを返す
func (m *MockDiscovery) GetDeviceInfo(_ context.Context, device string) (*DeviceInfo, error) {
	info, ok := m.infos[device]
	if !ok {
		return nil, fmt.Errorf("デバイスが見つかりません: %s", device)
	}
	result := *info
	return &result, nil
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(device string) {
	if _, ok := m.infos[device]; ok {
		return
	}
	m.devices = append(m.devices, device)
	m.infos[device] = &DeviceInfo{
		Device:      device,
		Name:        fmt.Sprintf("テストカメラ %d", len(m.devices)),
		Resolutions: append([]Profile(nil), DefaultProfiles...),
	}
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(device string) {
	for i, d := range m.devices {
		if d == device {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	delete(m.infos, device)
}
