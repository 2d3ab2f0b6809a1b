// Health checks for the sparing engine
package dchealth

type Status string

const (
	StatusPass Status = "pass"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

type Health struct {
	Title    string
	Health   Status
	Details  string
	Children []Health
}

type HealthChecker interface {
	CheckHealth() (*Health, error)
}

type healthFolder struct {
	title    string
	children []HealthChecker
}

func NewHealthFolder(title string, children ...HealthChecker) HealthChecker {
	return &healthFolder{title, children}
}

func (h *healthFolder) CheckHealth() (*Health, error) {
	return mkHealthWithChildren(h.title, StatusPass, "", h.children)
}

func NewStaticHealthNode(title string, healthStatus Status, descr string) HealthChecker {
	return &staticNode{title, healthStatus, descr}
}

type staticNode struct {
	title        string
	healthStatus Status
	descr        string
}

func (s *staticNode) CheckHealth() (*Health, error) {
	return mkHealth(s.title, s.healthStatus, s.descr)
}

func mkHealth(title string, health Status, details string) (*Health, error) {
	return mkHealthWithChildren(title, health, details, []HealthChecker{})
}

func mkHealthWithChildren(title string, health Status, details string, children []HealthChecker) (*Health, error) {
	childDtos := []Health{}

	for _, child := range children {
		childHealth, err := child.CheckHealth()
		if err != nil {
			return nil, err
		}

		childDtos = append(childDtos, *childHealth)
	}

	return &Health{
		Title:    title,
		Health:   worstOf(childDtos, health),
		Details:  details,
		Children: childDtos,
	}, nil
}

func worstOf(list []Health, initial Status) Status {
	worst := initial

	for _, item := range list {
		if statusWorse(item.Health, worst) {
			worst = item.Health
		}
	}

	return worst
}

func statusWorse(a Status, b Status) bool {
	return statusToInt(a) < statusToInt(b)
}

func statusToInt(status Status) int {
	switch status {
	case StatusPass:
		return 3
	case StatusWarn:
		return 2
	case StatusFail:
		return 1
	default:
		panic("unknown")
	}
}
