package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"pathology-platform/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("pathology-platform cli 0.1.0")
	case "health":
		runHealth()
	case "config":
		runConfig()
	case "server":
		if len(args) > 0 && args[0] == "start" {
			runServerStart()
		} else {
			fmt.Fprintf(os.Stderr, "Usage: pathctl server start\n")
			os.Exit(1)
		}
	case "upload":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Usage: pathctl upload <image|document> <file> [patient_id]\n")
			os.Exit(1)
		}
		patientID := ""
		if len(args) > 2 {
			patientID = args[2]
		}
		runUpload(args[0], args[1], patientID)
	case "batch":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Usage: pathctl batch <image|document> <dir> [patient_id]\n")
			os.Exit(1)
		}
		patientID := ""
		if len(args) > 2 {
			patientID = args[2]
		}
		runBatch(args[0], args[1], patientID)
	case "task":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: pathctl task <task_id>\n")
			os.Exit(1)
		}
		runTask(args[0])
	case "tasks":
		runTasks()
	case "search":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: pathctl search <text>\n")
			os.Exit(1)
		}
		runSearch(strings.Join(args, " "))
	case "patient":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: pathctl patient <patient_id>\n")
			os.Exit(1)
		}
		runPatient(args[0])
	case "import":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: pathctl import <patient_id>\n")
			os.Exit(1)
		}
		runImport(args[0])
	case "status":
		runStatus()
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: pathctl <command> [args]")
	fmt.Println("  version                          - 显示版本")
	fmt.Println("  health                           - 健康检查")
	fmt.Println("  config                           - 显示配置概要")
	fmt.Println("  server start                     - 启动 API 服务（go run ./cmd/api）")
	fmt.Println("  upload <image|document> <file> [patient_id] - 上传单个文件")
	fmt.Println("  batch <image|document> <dir> [patient_id]   - 目录批量上传，返回 task_ids")
	fmt.Println("  task <task_id>                   - 查询批量任务状态")
	fmt.Println("  tasks                            - 列出全部批量任务")
	fmt.Println("  search <text>                    - 跨模态检索")
	fmt.Println("  patient <patient_id>             - 列出患者的全部数据实体")
	fmt.Println("  import <patient_id>              - 从 HIS/EMR/LIS/PACS 导入患者数据")
	fmt.Println("  status                           - 系统状态")
}

func runHealth() {
	if err := healthCheck(); err != nil {
		fmt.Fprintf(os.Stderr, "unhealthy: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}

func runConfig() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("api.port=%d\n", cfg.API.Port)
	fmt.Printf("storage.image.root=%s\n", cfg.Storage.Image.Root)
	fmt.Printf("storage.document.root=%s\n", cfg.Storage.Document.Root)
	fmt.Printf("batch.workers=%d\n", cfg.Batch.Workers)
}

func runServerStart() {
	c := exec.Command("go", "run", "./cmd/api")
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Dir = "."
	if err := c.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "server start: %v\n", err)
		os.Exit(1)
	}
}

func runUpload(kind, path, patientID string) {
	item, err := fileToItem(path, patientID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取文件failed: %v\n", err)
		os.Exit(1)
	}
	out, err := uploadItem(kind, item)
	if err != nil {
		fmt.Fprintf(os.Stderr, "上传failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runBatch(kind, dir, patientID string) {
	items, err := collectBatchItems(dir, patientID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "扫描目录failed: %v\n", err)
		os.Exit(1)
	}
	if len(items) == 0 {
		fmt.Fprintf(os.Stderr, "目录 %s 中没有可上传文件\n", dir)
		os.Exit(1)
	}
	out, err := submitBatch(kind, items)
	if err != nil {
		fmt.Fprintf(os.Stderr, "批量提交failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runTask(taskID string) {
	out, err := getTask(taskID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询任务failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runTasks() {
	out, err := listTasks()
	if err != nil {
		fmt.Fprintf(os.Stderr, "列出任务failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runSearch(text string) {
	out, err := search(text)
	if err != nil {
		fmt.Fprintf(os.Stderr, "检索failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runPatient(patientID string) {
	out, err := patientEntities(patientID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询患者数据failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runImport(patientID string) {
	out, err := importPatient(patientID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "导入failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runStatus() {
	out, err := systemStatus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询状态failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

// fileToItem 读取单个文件并构造上传 payload，格式取扩展名
func fileToItem(path, patientID string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	item := map[string]interface{}{
		"content_base64": base64.StdEncoding.EncodeToString(data),
		"format":         format,
		"title":          strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
	}
	if patientID != "" {
		item["metadata"] = map[string]interface{}{"patient_id": patientID}
	}
	return item, nil
}

// collectBatchItems 扫描目录（不递归），每个普通文件构造一个批量上传条目
func collectBatchItems(dir, patientID string) ([]map[string]interface{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var items []map[string]interface{}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		item, err := fileToItem(filepath.Join(dir, e.Name()), patientID)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
