package orchestration

import (
	"time"

	"k8s.io/apimachinery/pkg/api/resource"
)

func mustQuantity(s string) resource.Quantity {
	return resource.MustParse(s)
}

func int64Ptr(v int64) *int64 {
	return &v
}

func int32Ptr(v int32) *int32 {
	return &v
}

func secondsToDuration(s int) time.Duration {
	if s <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s) * time.Second
}
