package taskrunner

import (
	"fmt"
	"strings"
)

// Stage is one of the canonical operation-stage codes a task's
// description tag derives to (spec.md §4.7).
type Stage string

const (
	StageScan      Stage = "scan"
	StageCompress  Stage = "compress"
	StageCopy      Stage = "copy"
	StageFinalize  Stage = "finalize"
	StageFormat    Stage = "format"
	StageWaiting   Stage = "waiting"
	StageCancelled Stage = "cancelled"
	StageFailed    Stage = "failed"
)

// keyword -> canonical stage, checked in order so more specific tags
// (format) are matched before broader ones that could share a
// substring in a future tag wording.
var stageKeywords = []struct {
	keyword string
	stage   Stage
}{
	{"格式化", StageFormat},
	{"扫描", StageScan},
	{"压缩", StageCompress},
	{"写入磁带", StageCopy},
	{"完成处理", StageFinalize},
	{"等待", StageWaiting},
	{"已取消", StageCancelled},
	{"失败", StageFailed},
}

// DeriveStage extracts the canonical operation_stage from a task's
// bracketed description tag by keyword matching, e.g.
// "[压缩文件中] 814/1637 个文件 (49.7%)" -> StageCompress.
func DeriveStage(description string) Stage {
	for _, k := range stageKeywords {
		if strings.Contains(description, k.keyword) {
			return k.stage
		}
	}
	return StageWaiting
}

// tag formats a bracketed stage description with a progress detail
// string, matching the source project's "[阶段] detail" convention.
func tag(label, detail string) string {
	if detail == "" {
		return fmt.Sprintf("[%s]", label)
	}
	return fmt.Sprintf("[%s] %s", label, detail)
}

func scanTag(files int64) string {
	return tag("扫描文件中", fmt.Sprintf("已发现 %d 个文件", files))
}

func compressTag(processed, total int64, pct float64) string {
	return tag("压缩文件中", fmt.Sprintf("%d/%d 个文件 (%.1f%%)", processed, total, pct))
}

func copyTag(detail string) string {
	return tag("写入磁带中", detail)
}

func finalizeTag() string {
	return tag("完成处理中", "")
}

func formatTag(detail string) string {
	return tag("格式化磁带中", detail)
}

func waitingTag(detail string) string {
	return tag("等待磁带中", detail)
}

func cancelledTag(reason string) string {
	return tag("已取消", reason)
}

func failedTag(reason string) string {
	return tag("失败", reason)
}
