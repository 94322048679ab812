package subscription

import (
	"fmt"
	"strings"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/mqtt"
)

const (
	levelSeparator = "/"
	wildcardPlus   = "+"
	wildcardHash   = "#"
)

// ValidateFilter 校验主题过滤器
// "+" 必须占据完整层级，"#" 必须占据完整层级且位于最后一层
func ValidateFilter(filter string) error {
	if err := validateCommon(filter); err != nil {
		return err
	}
	levels := strings.Split(filter, levelSeparator)
	for i, level := range levels {
		if level == wildcardPlus {
			continue
		}
		if level == wildcardHash {
			if i != len(levels)-1 {
				return fmt.Errorf("%w: '#' must be the last level, filter: %s", mqtt.ErrInvalidTopic, filter)
			}
			continue
		}
		if strings.ContainsAny(level, wildcardPlus+wildcardHash) {
			return fmt.Errorf("%w: wildcard must occupy an entire level, filter: %s", mqtt.ErrInvalidTopic, filter)
		}
	}
	return nil
}

// ValidateTopicName 校验发布主题，发布主题不允许包含通配符
func ValidateTopicName(topic string) error {
	if err := validateCommon(topic); err != nil {
		return err
	}
	if strings.ContainsAny(topic, wildcardPlus+wildcardHash) {
		return fmt.Errorf("%w: topic name must not contain wildcards, topic: %s", mqtt.ErrInvalidTopic, topic)
	}
	return nil
}

// HasWildcard 判断过滤器是否包含通配符
func HasWildcard(filter string) bool {
	return strings.ContainsAny(filter, wildcardPlus+wildcardHash)
}

func validateCommon(s string) error {
	if s == "" {
		return fmt.Errorf("%w: must not be empty", mqtt.ErrInvalidTopic)
	}
	if len(s) > mqtt.MaxStringLength {
		return fmt.Errorf("%w: length %d exceeds %d bytes", mqtt.ErrInvalidTopic, len(s), mqtt.MaxStringLength)
	}
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("%w: must not contain U+0000", mqtt.ErrInvalidTopic)
	}
	return nil
}

func createNode[T any]() *TopicTreeNode[T] {
	return &TopicTreeNode[T]{
		Children: map[string]*TopicTreeNode[T]{},
	}
}

// empty 节点不再承载任何订阅且没有子节点时可以被剪除
func (n *TopicTreeNode[T]) empty() bool {
	return n.Terminal == nil && n.WildcardHash == nil && n.WildcardPlus == nil && len(n.Children) == 0
}
