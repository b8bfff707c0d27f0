package scanmgr

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Command groups the root command registers
const (
	GroupManage   = "manage"
	GroupDispatch = "dispatch"
)

func Commands(eng *Engine, conf *Configuration) []*cobra.Command {
	return []*cobra.Command{
		// resource management
		taskCommand(eng, conf),
		reportCommand(eng, conf),
		overrideCommand(eng, conf),
		settingCommand(eng, conf),
		nvtCommand(eng),
		// scan dispatch
		queueCommand(eng, conf),
	}
}

// Flags shared by query commands: which user asks, under which
// powerfilter.
type QueryFlags struct {
	User   uint
	Filter string
}

func (f *QueryFlags) bind(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.UintVarP(&f.User, "user", "u", 0, "User the call runs as. Defaults to the configured user")
	flags.StringVarP(&f.Filter, "filter", "f", "", `Powerfilter terms, e.g. "apply_overrides=1 min_qod=70"`)
}

func (f *QueryFlags) userID(conf *Configuration) uint {
	if f.User != 0 {
		return f.User
	}
	return conf.User
}

func (f *QueryFlags) params(eng *Engine, conf *Configuration) (ScoreParams, error) {
	return eng.ScoreParamsFor(f.userID(conf), f.Filter)
}

func resolveTask(eng *Engine, uuid string) (*Task, error) {
	task, err := eng.TaskByUUID(uuid)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, errors.Errorf("task %s does not exist", uuid)
	}
	return task, nil
}

func resolveReport(eng *Engine, uuid string) (*Report, error) {
	report, err := eng.ReportByUUID(uuid)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, errors.Errorf("report %s does not exist", uuid)
	}
	return report, nil
}

func taskCommand(eng *Engine, conf *Configuration) *cobra.Command {
	var f QueryFlags

	cmd := &cobra.Command{
		Use:     "task",
		Short:   "Manage scan tasks",
		GroupID: GroupManage,
	}
	f.bind(cmd)

	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks with status and trend",
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := eng.Tasks()
			if err != nil {
				return err
			}

			params, err := f.params(eng, conf)
			if err != nil {
				return err
			}

			fmt.Printf("%-36s | %-20s | %-16s | %-5s\n", "UUID", "Name", "Status", "Trend")
			for _, t := range tasks {
				trend, err := eng.GetTaskTrend(t.ID, params)
				if err != nil {
					return err
				}
				fmt.Printf("%-36s | %-20s | %-16s | %-5s\n", t.UUID, t.Name, t.RunStatus, trend)
			}
			return nil
		},
	}

	var name string
	var target uint
	create := &cobra.Command{
		Use:   "create --name name [--target id]",
		Short: "Create a task. Without a target it only holds imported reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			task := &Task{
				Name:     name,
				OwnerID:  f.userID(conf),
				TargetID: target,
			}
			if err := eng.CreateTask(task); err != nil {
				return err
			}
			fmt.Println(task.UUID)
			return nil
		},
	}
	create.Flags().StringVar(&name, "name", "", "Task name")
	create.Flags().UintVar(&target, "target", 0, "Target id. 0 makes a container task")
	_ = create.MarkFlagRequired("name")

	var from int
	start := &cobra.Command{
		Use:   "start task [--from mode]",
		Short: "Open a report for the task and queue it for scanning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := resolveTask(eng, args[0])
			if err != nil {
				return err
			}
			report, err := eng.StartScan(task.ID, from)
			if err != nil {
				return err
			}
			fmt.Println(report.UUID)
			return nil
		},
	}
	start.Flags().IntVar(&from, "from", StartFresh,
		"Resume mode: 0 fresh, 1 resume, 2 resume only if previously stopped")

	stop := &cobra.Command{
		Use:   "stop task",
		Short: "Request the running scan of a task to stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := resolveTask(eng, args[0])
			if err != nil {
				return err
			}
			return eng.SetTaskRunStatus(task.ID, StatusStopRequested)
		},
	}

	trend := &cobra.Command{
		Use:   "trend task",
		Short: "Compare the last two completed reports of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := resolveTask(eng, args[0])
			if err != nil {
				return err
			}
			params, err := f.params(eng, conf)
			if err != nil {
				return err
			}
			t, err := eng.GetTaskTrend(task.ID, params)
			if err != nil {
				return err
			}
			fmt.Println(t)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete task",
		Short: "Move a task to the trashcan. Stop its scan first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := resolveTask(eng, args[0])
			if err != nil {
				return err
			}
			return eng.DeleteTask(task.ID)
		},
	}

	cmd.AddCommand(list, create, start, stop, trend, del)
	return cmd
}

// Levels the counts table reports, worst first
var countLevels = []string{LevelHigh, LevelMedium, LevelLow, LevelLog, LevelFalsePositive}

func reportCommand(eng *Engine, conf *Configuration) *cobra.Command {
	var f QueryFlags

	cmd := &cobra.Command{
		Use:     "report",
		Short:   "Score and inspect reports",
		GroupID: GroupManage,
	}
	f.bind(cmd)

	severity := &cobra.Command{
		Use:   "severity report",
		Short: "Highest effective severity of a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := resolveReport(eng, args[0])
			if err != nil {
				return err
			}
			params, err := f.params(eng, conf)
			if err != nil {
				return err
			}
			s, err := eng.GetReportSeverity(report.ID, params)
			if err != nil {
				return err
			}
			if s == nil {
				fmt.Println("none")
				return nil
			}
			fmt.Printf("%.1f\n", *s)
			return nil
		},
	}

	counts := &cobra.Command{
		Use:   "counts report",
		Short: "Per-level result counts of a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := resolveReport(eng, args[0])
			if err != nil {
				return err
			}
			params, err := f.params(eng, conf)
			if err != nil {
				return err
			}

			fmt.Printf("%-14s | %-5s\n", "Level", "Count")
			for _, level := range countLevels {
				if !params.LevelSelected(level) {
					continue
				}
				n, err := eng.GetReportSeverityCount(report.ID, level, params)
				if err != nil {
					return err
				}
				fmt.Printf("%-14s | %-5d\n", level, n)
			}
			return nil
		},
	}

	progress := &cobra.Command{
		Use:   "progress report",
		Short: "Completion percentage of a scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := resolveReport(eng, args[0])
			if err != nil {
				return err
			}
			p, err := eng.GetReportProgress(report.ID)
			if err != nil {
				return err
			}
			fmt.Println(p)
			return nil
		},
	}

	cmd.AddCommand(severity, counts, progress)
	return cmd
}

type OverrideFlags struct {
	NVT         string
	NewSeverity float64
	Severity    float64
	Task        string
	Result      string
	Hosts       string
	Port        string
	Text        string
	End         int64
}

func overrideCommand(eng *Engine, conf *Configuration) *cobra.Command {
	var f QueryFlags

	cmd := &cobra.Command{
		Use:     "override",
		Short:   "Manage severity overrides",
		GroupID: GroupManage,
	}
	f.bind(cmd)

	var of OverrideFlags
	create := &cobra.Command{
		Use:   "create --nvt oid --new-severity score [--severity score] [--task uuid] [--hosts list] [--port port]",
		Short: "Create an override replacing the severity of matching results",
		RunE: func(cmd *cobra.Command, args []string) error {
			ov := &Override{
				OwnerID:     f.userID(conf),
				NVTOID:      of.NVT,
				NewSeverity: of.NewSeverity,
				Hosts:       of.Hosts,
				Port:        of.Port,
				Text:        of.Text,
				EndTime:     of.End,
			}
			// --severity omitted means the override matches any severity
			if cmd.Flags().Changed("severity") {
				ov.Severity = &of.Severity
			}
			if of.Task != "" {
				task, err := resolveTask(eng, of.Task)
				if err != nil {
					return err
				}
				ov.TaskID = task.ID
			}
			if of.Result != "" {
				result, err := eng.ResultByUUID(of.Result)
				if err != nil {
					return err
				}
				if result == nil {
					return errors.Errorf("result %s does not exist", of.Result)
				}
				ov.ResultID = result.ID
			}
			if err := eng.CreateOverride(ov); err != nil {
				return err
			}
			fmt.Println(ov.UUID)
			return nil
		},
	}
	flags := create.Flags()
	flags.StringVar(&of.NVT, "nvt", "", "OID of the test the override targets")
	flags.Float64Var(&of.NewSeverity, "new-severity", 0, "Replacement severity")
	flags.Float64Var(&of.Severity, "severity", 0, "Severity a result must match. Omit to match any")
	flags.StringVar(&of.Task, "task", "", "Task the override is scoped to. Omit for any task")
	flags.StringVar(&of.Result, "result", "", "Result the override is scoped to. Omit for any result")
	flags.StringVar(&of.Hosts, "hosts", "", "Comma-separated hosts the override applies to")
	flags.StringVar(&of.Port, "port", "", "Port the override applies to")
	flags.StringVar(&of.Text, "text", "", "Why the severity is overridden")
	flags.Int64Var(&of.End, "end", 0, "Unix time the override expires. 0 never expires")
	_ = create.MarkFlagRequired("nvt")
	_ = create.MarkFlagRequired("new-severity")

	list := &cobra.Command{
		Use:   "list",
		Short: "List overrides visible to the user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ovs, err := eng.ListOverrides(f.userID(conf))
			if err != nil {
				return err
			}

			fmt.Printf("%-36s | %-28s | %-8s | %-12s\n", "UUID", "NVT", "Match", "New Severity")
			for _, ov := range ovs {
				match := "any"
				if ov.Severity != nil {
					match = fmt.Sprintf("%.1f", *ov.Severity)
				}
				fmt.Printf("%-36s | %-28s | %-8s | %-12.1f\n", ov.UUID, ov.NVTOID, match, ov.NewSeverity)
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete override",
		Short: "Move an override to the trashcan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return eng.TrashOverride(args[0])
		},
	}

	restore := &cobra.Command{
		Use:   "restore override",
		Short: "Restore an override from the trashcan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return eng.RestoreOverride(args[0])
		},
	}

	cmd.AddCommand(create, list, del, restore)
	return cmd
}

func settingCommand(eng *Engine, conf *Configuration) *cobra.Command {
	var user uint

	cmd := &cobra.Command{
		Use:     "setting",
		Short:   "Read and write engine settings",
		GroupID: GroupManage,
	}
	cmd.PersistentFlags().UintVarP(&user, "user", "u", 0,
		"User the setting belongs to. 0 addresses the global default")

	// --user 0 means global here, so only an untouched flag falls back
	// to the configured user
	settingUser := func(c *cobra.Command) uint {
		if c.Flags().Changed("user") {
			return user
		}
		return conf.User
	}

	get := &cobra.Command{
		Use:   "get uuid",
		Short: "Resolved value of a setting for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := eng.SettingValue(settingUser(cmd), args[0])
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set uuid value",
		Short: "Store a setting value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return eng.SetSetting(settingUser(cmd), args[0], args[1])
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

func nvtCommand(eng *Engine) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "nvt",
		Short:   "Manage vulnerability-test metadata",
		GroupID: GroupManage,
	}

	var nvt NVT
	add := &cobra.Command{
		Use:   "add --oid oid --cvss score [--name name] [--family family]",
		Short: "Upsert one test's metadata, as a feed sync would",
		RunE: func(cmd *cobra.Command, args []string) error {
			return eng.ImportNVTs(&nvt)
		},
	}
	flags := add.Flags()
	flags.StringVar(&nvt.OID, "oid", "", "Test OID")
	flags.Float64Var(&nvt.CVSSBase, "cvss", 0, "Current base severity")
	flags.StringVar(&nvt.Name, "name", "", "Test name")
	flags.StringVar(&nvt.Family, "family", "", "Test family")
	_ = add.MarkFlagRequired("oid")
	_ = add.MarkFlagRequired("cvss")

	cmd.AddCommand(add)
	return cmd
}

func queueCommand(eng *Engine, conf *Configuration) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "queue",
		Short:   "Inspect and drive the scan dispatch queue",
		GroupID: GroupDispatch,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "The queue in dispatch order",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := eng.GetQueueSnapshot()
			if err != nil {
				return err
			}

			fmt.Printf("%-8s | %-8s | %-8s | %-8s | %-4s | %-20s\n",
				"Report", "Task", "Owner", "Handler", "From", "Queued")
			for _, entry := range entries {
				fmt.Printf("%-8d | %-8d | %-8d | %-8d | %-4d | %-20d\n",
					entry.ReportID, entry.TaskID, entry.OwnerID,
					entry.Handler, entry.StartFrom, entry.QueuedNano)
			}
			return nil
		},
	}

	var worker uint
	claim := &cobra.Command{
		Use:   "claim [--worker id]",
		Short: "Claim the oldest unclaimed entry for a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := worker
			if w == 0 {
				w = conf.WorkerID
			}

			entry, err := eng.ClaimNextScan(w)
			if errors.Is(err, ErrQueueEmpty) {
				fmt.Println("queue empty")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("claimed report %d (from=%d) for worker %d\n",
				entry.ReportID, entry.StartFrom, w)
			return nil
		},
	}
	claim.Flags().UintVar(&worker, "worker", 0, "Worker id. Defaults to the configured worker")

	release := &cobra.Command{
		Use:   "release [--worker id]",
		Short: "Return a dead worker's claims to the unclaimed pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := worker
			if w == 0 {
				w = conf.WorkerID
			}
			n, err := eng.ReleaseScans(w)
			if err != nil {
				return err
			}
			fmt.Printf("released %d entries\n", n)
			return nil
		},
	}
	release.Flags().UintVar(&worker, "worker", 0, "Worker id. Defaults to the configured worker")

	requeue := &cobra.Command{
		Use:   "requeue report",
		Short: "Send a report's entry to the back of the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := resolveReport(eng, args[0])
			if err != nil {
				return err
			}
			return eng.RequeueScan(report.ID)
		},
	}

	remove := &cobra.Command{
		Use:   "remove report",
		Short: "Remove a report's entry from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := resolveReport(eng, args[0])
			if err != nil {
				return err
			}
			return eng.DequeueScan(report.ID)
		},
	}

	cmd.AddCommand(list, claim, release, requeue, remove)
	return cmd
}
