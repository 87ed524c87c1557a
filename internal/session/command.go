package session

import (
	"sort"

	"github.com/zotero/zotero-word-js-integration/internal/apperr"
)

// Command is one operation the controller may ask for.
type Command int

const (
	CmdGetActiveDocument Command = iota + 1
	CmdActivate
	CmdDisplayAlert
	CmdCanInsertField
	CmdCursorInField
	CmdGetDocumentData
	CmdSetDocumentData
	CmdInsertField
	CmdGetFields
	CmdConvert
	CmdCleanup
	CmdComplete
	CmdFieldDelete
	CmdFieldSelect
	CmdFieldRemoveCode
	CmdFieldGetText
	CmdFieldSetText
	CmdFieldGetCode
	CmdFieldSetCode
	CmdFieldGetNoteIndex
	CmdFieldEquals
)

var commandNames = map[Command]string{
	CmdGetActiveDocument: "Application.getActiveDocument",
	CmdActivate:          "Document.activate",
	CmdDisplayAlert:      "Document.displayAlert",
	CmdCanInsertField:    "Document.canInsertField",
	CmdCursorInField:     "Document.cursorInField",
	CmdGetDocumentData:   "Document.getDocumentData",
	CmdSetDocumentData:   "Document.setDocumentData",
	CmdInsertField:       "Document.insertField",
	CmdGetFields:         "Document.getFields",
	CmdConvert:           "Document.convert",
	CmdCleanup:           "Document.cleanup",
	CmdComplete:          "Document.complete",
	CmdFieldDelete:       "Field.delete",
	CmdFieldSelect:       "Field.select",
	CmdFieldRemoveCode:   "Field.removeCode",
	CmdFieldGetText:      "Field.getText",
	CmdFieldSetText:      "Field.setText",
	CmdFieldGetCode:      "Field.getCode",
	CmdFieldSetCode:      "Field.setCode",
	CmdFieldGetNoteIndex: "Field.getNoteIndex",
	CmdFieldEquals:       "Field.equals",
}

var commandsByName = func() map[string]Command {
	m := make(map[string]Command, len(commandNames))
	for c, n := range commandNames {
		m[n] = c
	}
	return m
}()

func (c Command) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return "unknown"
}

// ParseCommand resolves a command name. Unknown names fail with an
// UnknownCommand error.
func ParseCommand(name string) (Command, error) {
	c, ok := commandsByName[name]
	if !ok {
		return 0, apperr.UnknownCommand(name)
	}
	return c, nil
}

// CommandNames lists every supported command name, sorted.
func CommandNames() []string {
	out := make([]string, 0, len(commandNames))
	for _, n := range commandNames {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
