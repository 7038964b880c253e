// Package model 定义核心数据模型
//
// artifact.go 包含生成产物相关的数据模型定义：
//   - Artifact：一次成功生成的产物（持久化钩子的输入）
//   - ArtifactFile：产物中的单个文件
package model

import (
	"bufio"
	"path"
	"strings"
	"time"
)

// ArtifactFile 产物中的单个文件
type ArtifactFile struct {
	Path    string `json:"path" bson:"path"`
	Content string `json:"content" bson:"content"`
}

// Artifact 生成产物
//
// 字段说明：
//   - ID：产物 ID（与任务 ID 或请求 ID 相同）
//   - Owner / ConversationID：归属信息，由上游请求带入
//   - Files：从输出中提取的文件列表
type Artifact struct {
	ID             string         `json:"id" bson:"_id"`
	Owner          string         `json:"owner" bson:"owner"`
	ConversationID string         `json:"conversation_id,omitempty" bson:"conversation_id,omitempty"`
	Model          string         `json:"model" bson:"model"`
	Files          []ArtifactFile `json:"files" bson:"files"`
	CreatedAt      time.Time      `json:"created_at" bson:"created_at"`
}

// ExtractFiles 从模型输出中提取文件
//
// 识别形如 ```tsx src/App.tsx 的围栏代码块，信息串中带路径的代码块成为独立文件。
// 没有任何带路径的代码块时，整个输出作为单个文件：包含 <html 时为 index.html，否则为 output.md。
func ExtractFiles(output string) []ArtifactFile {
	var files []ArtifactFile
	seen := make(map[string]int)

	var (
		current *ArtifactFile
		body    strings.Builder
		inFence bool
	)

	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				if current != nil {
					current.Content = body.String()
					if i, ok := seen[current.Path]; ok {
						files[i] = *current
					} else {
						seen[current.Path] = len(files)
						files = append(files, *current)
					}
				}
				current = nil
				body.Reset()
				inFence = false
				continue
			}
			inFence = true
			if p := fencePath(strings.TrimPrefix(trimmed, "```")); p != "" {
				current = &ArtifactFile{Path: p}
			}
			continue
		}
		if inFence && current != nil {
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}

	if len(files) > 0 {
		return files
	}
	if strings.TrimSpace(output) == "" {
		return nil
	}
	name := "output.md"
	if strings.Contains(strings.ToLower(output), "<html") {
		name = "index.html"
	}
	return []ArtifactFile{{Path: name, Content: output}}
}

// fencePath 从围栏信息串中找出文件路径（形如 tsx src/App.tsx 或 src/App.tsx）
func fencePath(info string) string {
	for _, f := range strings.Fields(info) {
		f = strings.TrimPrefix(f, "file=")
		f = strings.Trim(f, `"'`)
		if !strings.Contains(f, ".") && !strings.Contains(f, "/") {
			continue
		}
		clean := path.Clean(f)
		if strings.HasPrefix(clean, "../") || clean == ".." || path.IsAbs(clean) || path.Ext(clean) == "" {
			continue
		}
		return clean
	}
	return ""
}
