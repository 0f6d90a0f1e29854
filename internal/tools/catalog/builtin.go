package catalog

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Built-in tool names.
const (
	ToolReadFile      = "readFile"
	ToolCreateFile    = "createFile"
	ToolEditFile      = "editFile"
	ToolDeleteFile    = "deleteFile"
	ToolMoveFile      = "moveFile"
	ToolListDirectory = "listDirectory"
	ToolMakeDirectory = "makeDirectory"
	ToolLocalSearch   = "localSearch"

	ToolWebSearch = "webSearch"
	ToolWebFetch  = "webFetch"

	ToolRunTerminalCommand   = "runTerminalCommand"
	ToolAwaitTerminalCommand = "awaitTerminalCommand"
	ToolKillTerminal         = "killTerminal"
	ToolRunShellScriptCode   = "runShellScriptCode"

	ToolManageContext = "manageContext"
	ToolAskQuestions  = "askQuestions"
	ToolTodoList      = "todoList"
	ToolRunSubAgent   = "runSubAgent"
	ToolListSkills    = "listSkills"

	// ToolRequestOptimization is handled by the controller itself and never
	// reaches a tool handler.
	ToolRequestOptimization = "requestToolOptimization"
)

// CoreTools are kept in every selection.
var CoreTools = []string{ToolManageContext, ToolAskQuestions, ToolTodoList}

// IsCore reports whether name is one of CoreTools.
func IsCore(name string) bool {
	for _, core := range CoreTools {
		if core == name {
			return true
		}
	}
	return false
}

type ReadFileArgs struct {
	Path   string `json:"path" jsonschema:"description=File path relative to the workspace"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=Line to start reading from (1-based),minimum=0"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to return,minimum=0"`
}

type CreateFileArgs struct {
	Path      string `json:"path" jsonschema:"description=File path relative to the workspace"`
	Content   string `json:"content,omitempty" jsonschema:"description=Initial file content"`
	Overwrite bool   `json:"overwrite,omitempty" jsonschema:"description=Replace the file if it already exists"`
}

type EditFileArgs struct {
	Path       string  `json:"path" jsonschema:"description=File path relative to the workspace"`
	Content    *string `json:"content,omitempty" jsonschema:"description=New full content of the file"`
	OldText    string  `json:"old_text,omitempty" jsonschema:"description=Exact text to replace (instead of content)"`
	NewText    string  `json:"new_text,omitempty" jsonschema:"description=Replacement for old_text"`
	ReplaceAll bool    `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence of old_text"`
}

type DeleteFileArgs struct {
	Path string `json:"path" jsonschema:"description=File or empty directory path"`
}

type MoveFileArgs struct {
	Source      string `json:"source" jsonschema:"description=Source path"`
	Destination string `json:"destination" jsonschema:"description=Destination path"`
}

type ListDirectoryArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory path (defaults to the workspace root)"`
}

type MakeDirectoryArgs struct {
	Path string `json:"path" jsonschema:"description=Directory path to create including parents"`
}

type LocalSearchArgs struct {
	Directory  string `json:"directory,omitempty" jsonschema:"description=Directory to search (defaults to the workspace root)"`
	Pattern    string `json:"pattern" jsonschema:"description=Glob pattern or regular expression matched against names"`
	Regex      bool   `json:"regex,omitempty" jsonschema:"description=Treat pattern as a regular expression"`
	Content    bool   `json:"content,omitempty" jsonschema:"description=Match file contents instead of names"`
	MaxResults int    `json:"maxResults,omitempty" jsonschema:"description=Maximum number of results (default 200),minimum=0"`
	Depth      int    `json:"depth,omitempty" jsonschema:"description=Maximum directory depth (0 means unlimited),minimum=0"`
}

type WebSearchArgs struct {
	Query      string `json:"query" jsonschema:"description=Search keywords"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"description=Maximum number of results,minimum=0,maximum=20"`
}

type WebFetchArgs struct {
	URL      string `json:"url" jsonschema:"description=Page URL (http or https)"`
	MaxChars int    `json:"max_chars,omitempty" jsonschema:"description=Maximum characters of extracted text,minimum=0"`
}

type RunTerminalCommandArgs struct {
	Command        string `json:"command" jsonschema:"description=Shell command to run"`
	Cwd            string `json:"cwd,omitempty" jsonschema:"description=Working directory relative to the workspace"`
	Background     bool   `json:"background,omitempty" jsonschema:"description=Start in the background and return a terminalId"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"description=Timeout in seconds,minimum=0"`
}

type AwaitTerminalCommandArgs struct {
	TerminalID     string `json:"terminalId,omitempty" jsonschema:"description=Background terminal to wait for"`
	Command        string `json:"command,omitempty" jsonschema:"description=Command to run and wait for when no terminalId is given"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"description=How long to wait in seconds,minimum=0"`
}

type KillTerminalArgs struct {
	TerminalID string `json:"terminalId" jsonschema:"description=Terminal to stop"`
}

type RunShellScriptArgs struct {
	Script         string `json:"script" jsonschema:"description=Shell script content"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"description=Timeout in seconds,minimum=0"`
}

type ManageContextArgs struct {
	Action   string `json:"action" jsonschema:"enum=stats,enum=clear_tool_results,enum=summarize,description=Operation to perform"`
	KeepLast int    `json:"keep_last,omitempty" jsonschema:"description=Messages to keep when summarizing,minimum=0"`
}

type TodoListArgs struct {
	Action string `json:"action" jsonschema:"enum=add,enum=remove,enum=toggle,enum=list,description=Operation to perform"`
	Text   string `json:"text,omitempty" jsonschema:"description=Todo text for add"`
	ID     int    `json:"id,omitempty" jsonschema:"description=Todo id for remove and toggle"`
}

type Question struct {
	Question string   `json:"question" jsonschema:"description=Question to ask the user"`
	Options  []string `json:"options,omitempty" jsonschema:"description=Suggested answers"`
}

type AskQuestionsArgs struct {
	Questions []Question `json:"questions" jsonschema:"minItems=1,description=Questions to ask"`
}

type RunSubAgentArgs struct {
	Task    string `json:"task" jsonschema:"description=Task for the sub-agent"`
	Context string `json:"context,omitempty" jsonschema:"description=Background the sub-agent needs"`
}

type ListSkillsArgs struct{}

type RequestToolOptimizationArgs struct {
	Reason string `json:"reason,omitempty" jsonschema:"description=Why the current tool set is insufficient"`
}

// Reflect builds a JSON schema for v with invopop/jsonschema, inlining
// nested types and dropping the $schema and $id keywords that model APIs
// do not expect.
func Reflect(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            true,
		Anonymous:                 true,
		AllowAdditionalProperties: true,
	}
	schema := r.Reflect(v)
	schema.Version = ""
	payload, err := json.Marshal(schema)
	if err != nil {
		return emptyObjectSchema
	}
	return payload
}

// Builtin returns the descriptors of the built-in tools.
func Builtin() []Descriptor {
	return []Descriptor{
		{Name: ToolReadFile, Description: "Read a text file from the workspace.", Category: CategoryFile, Kind: KindRetrieval, Schema: Reflect(&ReadFileArgs{})},
		{Name: ToolCreateFile, Description: "Create a new file in the workspace.", Category: CategoryFile, Schema: Reflect(&CreateFileArgs{})},
		{Name: ToolEditFile, Description: "Edit a file by replacing its content or a text fragment.", Category: CategoryFile, Sensitive: true, Schema: Reflect(&EditFileArgs{})},
		{Name: ToolDeleteFile, Description: "Delete a file or empty directory.", Category: CategoryFile, Sensitive: true, Schema: Reflect(&DeleteFileArgs{})},
		{Name: ToolMoveFile, Description: "Move or rename a file.", Category: CategoryFile, Sensitive: true, Schema: Reflect(&MoveFileArgs{})},
		{Name: ToolListDirectory, Description: "List the entries of a directory.", Category: CategoryFile, Schema: Reflect(&ListDirectoryArgs{})},
		{Name: ToolMakeDirectory, Description: "Create a directory.", Category: CategoryFile, Schema: Reflect(&MakeDirectoryArgs{})},
		{Name: ToolLocalSearch, Description: "Search local files and directories by name or content.", Category: CategoryFile, Kind: KindSearch, Schema: Reflect(&LocalSearchArgs{})},

		{Name: ToolWebSearch, Description: "Search the web and return result titles, links and snippets.", Category: CategoryNetwork, Kind: KindSearch, Schema: Reflect(&WebSearchArgs{})},
		{Name: ToolWebFetch, Description: "Fetch a web page and extract its readable text.", Category: CategoryNetwork, Sensitive: true, Kind: KindRetrieval, Schema: Reflect(&WebFetchArgs{})},

		{Name: ToolRunTerminalCommand, Description: "Run a shell command in the workspace terminal.", Category: CategoryTerminal, Sensitive: true, Schema: Reflect(&RunTerminalCommandArgs{})},
		{Name: ToolAwaitTerminalCommand, Description: "Run a command and wait for it, or wait for a background terminal to finish.", Category: CategoryTerminal, Sensitive: true, Schema: Reflect(&AwaitTerminalCommandArgs{})},
		{Name: ToolKillTerminal, Description: "Stop a background terminal.", Category: CategoryTerminal, Schema: Reflect(&KillTerminalArgs{})},
		{Name: ToolRunShellScriptCode, Description: "Run a shell script.", Category: CategoryTerminal, Sensitive: true, Schema: Reflect(&RunShellScriptArgs{})},

		{Name: ToolManageContext, Description: "Inspect or compact the conversation context.", Category: CategoryAgent, Schema: Reflect(&ManageContextArgs{})},
		{Name: ToolAskQuestions, Description: "Ask the user questions to collect missing information.", Category: CategoryInteraction, Schema: Reflect(&AskQuestionsArgs{})},
		{Name: ToolTodoList, Description: "Manage the todo list for the current task.", Category: CategoryProductivity, Schema: Reflect(&TodoListArgs{})},
		{Name: ToolRunSubAgent, Description: "Delegate a self-contained task to a sub-agent.", Category: CategoryAgent, Schema: Reflect(&RunSubAgentArgs{})},
		{Name: ToolListSkills, Description: "List the installed skills.", Category: CategorySkill, Schema: Reflect(&ListSkillsArgs{})},
	}
}

// OptimizationDescriptor describes the reserved re-selection tool. It is
// advertised next to the selected tools and is not part of any registry.
func OptimizationDescriptor() Descriptor {
	return Descriptor{
		Name:        ToolRequestOptimization,
		Description: "Ask for a different tool set when the available tools cannot complete the task.",
		Category:    CategoryAgent,
		Schema:      Reflect(&RequestToolOptimizationArgs{}),
	}
}

// Default returns a registry holding the built-in tools.
func Default() (*Registry, error) {
	r := NewRegistry()
	for _, desc := range Builtin() {
		if err := r.Register(desc); err != nil {
			return nil, err
		}
	}
	return r, nil
}
