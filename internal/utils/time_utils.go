package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseStringTime 解析形如 "500ms"、"10s"、"20m"、"48h"、"2d" 的时间字符串，大小写不敏感
// 空字符串解析为 0
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0, nil
	}
	if cutString, found := strings.CutSuffix(timeString, "d"); found {
		number, err := strconv.Atoi(cutString)
		if err != nil {
			return 0, fmt.Errorf("invalid time format: %s", timeString)
		}
		return time.Duration(number) * time.Hour * 24, nil
	}
	duration, err := time.ParseDuration(timeString)
	if err != nil {
		return 0, fmt.Errorf("invalid time format: %s", timeString)
	}
	return duration, nil
}

// MustParseStringTime 用于解析内置默认值
func MustParseStringTime(timeString string) time.Duration {
	duration, err := ParseStringTime(timeString)
	if err != nil {
		panic(err)
	}
	return duration
}
