// Package subscription 实现了主题过滤器的校验与通配符匹配
package subscription

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Entry 一条订阅记录
type Entry[T any] struct {
	Filter string
	Value  T
}

// Match 匹配结果，Exact 表示过滤器与主题完全相同
type Match[T any] struct {
	Filter string
	Value  T
	Exact  bool
}

// TopicTreeNode 主题订阅树节点
type TopicTreeNode[T any] struct {
	// 直接子节点（精确匹配）
	// 示例：sport/football 的直接子节点是 live（对应路径 sport/football/live）
	Children map[string]*TopicTreeNode[T]

	// 通配符子节点
	WildcardPlus *TopicTreeNode[T] // "+" 通配符子节点（单层）
	WildcardHash *Entry[T]         // "#" 通配符订阅（多层）

	// 终端订阅者（当前路径的精确匹配订阅）
	Terminal *Entry[T]
}

// Tree 主题订阅树，每个过滤器最多对应一条订阅，并发安全
type Tree[T any] struct {
	mu    sync.RWMutex
	root  *TopicTreeNode[T]
	size  int
	cache *expirable.LRU[string, []Match[T]]
}

// NewTree cacheSize 为0时不缓存匹配结果
func NewTree[T any](cacheSize int, cacheTTL time.Duration) *Tree[T] {
	tree := &Tree[T]{root: createNode[T]()}
	if cacheSize > 0 {
		tree.cache = expirable.NewLRU[string, []Match[T]](cacheSize, nil, cacheTTL)
	}
	return tree
}

// Insert 插入或覆盖订阅，返回是否覆盖了已有订阅
func (t *Tree[T]) Insert(filter string, value T) (bool, error) {
	if err := ValidateFilter(filter); err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.purge()

	levels := strings.Split(filter, levelSeparator)
	currentNode := t.root
	for _, level := range levels {
		switch level {
		case wildcardHash:
			replaced := currentNode.WildcardHash != nil
			currentNode.WildcardHash = &Entry[T]{Filter: filter, Value: value}
			if !replaced {
				t.size++
			}
			return replaced, nil
		case wildcardPlus:
			if currentNode.WildcardPlus == nil {
				currentNode.WildcardPlus = createNode[T]()
			}
			currentNode = currentNode.WildcardPlus
		default:
			child, ok := currentNode.Children[level]
			if !ok {
				child = createNode[T]()
				currentNode.Children[level] = child
			}
			currentNode = child
		}
	}

	replaced := currentNode.Terminal != nil
	currentNode.Terminal = &Entry[T]{Filter: filter, Value: value}
	if !replaced {
		t.size++
	}
	return replaced, nil
}

// Remove 删除订阅并剪除空节点，返回订阅是否存在
func (t *Tree[T]) Remove(filter string) bool {
	if ValidateFilter(filter) != nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := remove(t.root, strings.Split(filter, levelSeparator))
	if removed {
		t.size--
		t.purge()
	}
	return removed
}

func remove[T any](node *TopicTreeNode[T], levels []string) bool {
	if len(levels) == 0 {
		if node.Terminal == nil {
			return false
		}
		node.Terminal = nil
		return true
	}

	level := levels[0]
	switch level {
	case wildcardHash:
		if node.WildcardHash == nil {
			return false
		}
		node.WildcardHash = nil
		return true
	case wildcardPlus:
		if node.WildcardPlus == nil || !remove(node.WildcardPlus, levels[1:]) {
			return false
		}
		if node.WildcardPlus.empty() {
			node.WildcardPlus = nil
		}
		return true
	default:
		child, ok := node.Children[level]
		if !ok || !remove(child, levels[1:]) {
			return false
		}
		if child.empty() {
			delete(node.Children, level)
		}
		return true
	}
}

// Get 按过滤器精确查找
func (t *Tree[T]) Get(filter string) (T, bool) {
	var zero T
	t.mu.RLock()
	defer t.mu.RUnlock()

	currentNode := t.root
	for _, level := range strings.Split(filter, levelSeparator) {
		switch level {
		case wildcardHash:
			if currentNode.WildcardHash == nil {
				return zero, false
			}
			return currentNode.WildcardHash.Value, true
		case wildcardPlus:
			currentNode = currentNode.WildcardPlus
		default:
			currentNode = currentNode.Children[level]
		}
		if currentNode == nil {
			return zero, false
		}
	}
	if currentNode.Terminal == nil {
		return zero, false
	}
	return currentNode.Terminal.Value, true
}

// MatchTopic 返回所有匹配发布主题的订阅
// 精确匹配排在最前，其余按过滤器字典序排列，每个过滤器只出现一次
// 以 "$" 开头的主题不会被首层通配符匹配
// 返回的切片可能被缓存共享，调用方不得修改
func (t *Tree[T]) MatchTopic(publishTopic string) []Match[T] {
	if t.cache != nil {
		if cached, ok := t.cache.Get(publishTopic); ok {
			return cached
		}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	results := t.match(publishTopic)
	// 持有读锁写入缓存，保证写操作的 purge 不会被过期结果覆盖
	if t.cache != nil {
		t.cache.Add(publishTopic, results)
	}
	return results
}

func (t *Tree[T]) match(publishTopic string) []Match[T] {
	// 拆分发布主题为层级数组
	levels := strings.Split(publishTopic, levelSeparator)
	system := strings.HasPrefix(publishTopic, "$")

	var results []Match[T]
	collect := func(entry *Entry[T]) {
		if entry != nil {
			results = append(results, Match[T]{Filter: entry.Filter, Value: entry.Value, Exact: entry.Filter == publishTopic})
		}
	}

	queue := []*TopicTreeNode[T]{t.root}
	for i, currentLevel := range levels {
		var nextQueue []*TopicTreeNode[T]

		// 遍历当前层所有可能匹配的节点
		for _, node := range queue {
			wildcardAllowed := !(system && i == 0)

			// 1. 收集当前节点的 # 通配符订阅
			if wildcardAllowed {
				collect(node.WildcardHash)
			}

			// 2. 精确匹配子节点
			if child, ok := node.Children[currentLevel]; ok {
				nextQueue = append(nextQueue, child)
			}

			// 3. 处理 + 通配符子节点
			if wildcardAllowed && node.WildcardPlus != nil {
				nextQueue = append(nextQueue, node.WildcardPlus)
			}
		}

		// 4. 更新队列为下一层节点
		queue = nextQueue

		// 提前终止：队列为空时无需继续
		if len(queue) == 0 {
			break
		}
	}

	// 5. 收集终端节点的精确订阅，"#" 同时匹配父层级
	for _, node := range queue {
		collect(node.Terminal)
		collect(node.WildcardHash)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Exact != results[j].Exact {
			return results[i].Exact
		}
		return results[i].Filter < results[j].Filter
	})
	return results
}

// Len 返回订阅数量
func (t *Tree[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Entries 按过滤器字典序返回全部订阅
func (t *Tree[T]) Entries() []Entry[T] {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var entries []Entry[T]
	var walk func(node *TopicTreeNode[T])
	walk = func(node *TopicTreeNode[T]) {
		if node.Terminal != nil {
			entries = append(entries, *node.Terminal)
		}
		if node.WildcardHash != nil {
			entries = append(entries, *node.WildcardHash)
		}
		if node.WildcardPlus != nil {
			walk(node.WildcardPlus)
		}
		for _, child := range node.Children {
			walk(child)
		}
	}
	walk(t.root)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Filter < entries[j].Filter })
	return entries
}

// Clear 删除全部订阅
func (t *Tree[T]) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = createNode[T]()
	t.size = 0
	t.purge()
}

// purge 订阅变化后匹配缓存全部失效，调用方需持有写锁
func (t *Tree[T]) purge() {
	if t.cache != nil {
		t.cache.Purge()
	}
}
