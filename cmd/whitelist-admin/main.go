// whitelist-admin - управление whitelist проектов корпоративной стороны.
//
// Использование:
//
//	whitelist-admin [-file path] add <CODE> [-disabled]
//	whitelist-admin [-file path] enable|disable|remove|check <CODE>
//	whitelist-admin [-file path] list
//
// Путь к файлу: -file, затем WHITELIST_FILE_PATH, затем
// $DMZ_DATA_DIR/whitelist.json. Работающий узел видит изменения сразу.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bigkaa/dmzrelay/internal/whitelist"
)

const usage = `usage: whitelist-admin [-file path] <command> [args]

commands:
  add <CODE> [-disabled]   добавить проект (по умолчанию включён)
  enable <CODE>            включить проект
  disable <CODE>           отключить проект
  remove <CODE>            удалить проект
  list                     список проектов
  check <CODE>             код выхода 0, если проект разрешён
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, os.Getenv))
}

func run(args []string, stdout, stderr io.Writer, getenv func(string) string) int {
	fs := flag.NewFlagSet("whitelist-admin", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	file := fs.String("file", defaultPath(getenv), "путь к whitelist.json")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	table := whitelist.NewTable(*file, logger)
	if err := table.EnsureExists(); err != nil {
		fmt.Fprintf(stderr, "Ошибка: %v\n", err)
		return 1
	}
	wl := whitelist.New(table, logger)

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "list" {
		return cmdList(wl, stdout, stderr)
	}

	sub := flag.NewFlagSet(cmd, flag.ContinueOnError)
	sub.SetOutput(stderr)
	disabled := false
	if cmd == "add" {
		sub.BoolVar(&disabled, "disabled", false, "добавить отключённым")
	}
	code, err := parseCode(sub, rest)
	if err != nil {
		fmt.Fprintf(stderr, "Ошибка: %v\n", err)
		return 2
	}
	if code, err = whitelist.NormalizeCode(code); err != nil {
		fmt.Fprintf(stderr, "Ошибка: %v\n", err)
		return 1
	}

	switch cmd {
	case "add":
		err = wl.Add(code, !disabled)
		if err == nil {
			status := "enabled"
			if disabled {
				status = "disabled"
			}
			fmt.Fprintf(stdout, "Проект %s добавлен (%s)\n", code, status)
		}
	case "enable":
		if err = wl.Enable(code); err == nil {
			fmt.Fprintf(stdout, "Проект %s включён\n", code)
		}
	case "disable":
		if err = wl.Disable(code); err == nil {
			fmt.Fprintf(stdout, "Проект %s отключён\n", code)
		}
	case "remove":
		if err = wl.Remove(code); err == nil {
			fmt.Fprintf(stdout, "Проект %s удалён\n", code)
		}
	case "check":
		if wl.IsAuthorized(code) {
			fmt.Fprintf(stdout, "%s: разрешён\n", code)
			return 0
		}
		fmt.Fprintf(stdout, "%s: запрещён\n", code)
		return 1
	default:
		fmt.Fprintf(stderr, "неизвестная команда %q\n", cmd)
		fs.Usage()
		return 2
	}

	if err != nil {
		fmt.Fprintf(stderr, "Ошибка: %v\n", err)
		return 1
	}
	return 0
}

// parseCode разбирает флаги подкоманды до и после кода проекта.
func parseCode(sub *flag.FlagSet, args []string) (string, error) {
	if err := sub.Parse(args); err != nil {
		return "", err
	}
	if sub.NArg() == 0 {
		return "", errors.New("не указан код проекта")
	}
	code := sub.Arg(0)
	if err := sub.Parse(sub.Args()[1:]); err != nil {
		return "", err
	}
	if sub.NArg() > 0 {
		return "", fmt.Errorf("лишние аргументы: %v", sub.Args())
	}
	return code, nil
}

func cmdList(wl *whitelist.Authorizer, stdout, stderr io.Writer) int {
	entries, err := wl.List()
	if err != nil {
		fmt.Fprintf(stderr, "Ошибка: %v\n", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "Whitelist пуст")
		return 0
	}
	for _, e := range entries {
		status := "enabled"
		if !e.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(stdout, "%s\t%s\n", e.Code, status)
	}
	return 0
}

func defaultPath(getenv func(string) string) string {
	if p := getenv("WHITELIST_FILE_PATH"); p != "" {
		return p
	}
	dataDir := getenv("DMZ_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	return filepath.Join(dataDir, whitelist.FileName)
}
