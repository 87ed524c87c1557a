package mcpserver

// CommandContract describes how session commands are called and what they
// return, for LLM consumers of the run_command tool.
const CommandContract = `# Citation Field Command Protocol

A session runs one command per transaction against the open document. Every
command takes a JSON array of positional arguments and returns one JSON value.

## Document commands

| Command | Arguments | Result |
|---|---|---|
| ` + "`Application.getActiveDocument`" + ` | none | document id, output format, supported notes |
| ` + "`Document.getDocumentData`" + ` | none | stored data string |
| ` + "`Document.setDocumentData`" + ` | data | null |
| ` + "`Document.getFields`" + ` | none | fields in document order |
| ` + "`Document.insertField`" + ` | field type, note type | the new field |
| ` + "`Document.cursorInField`" + ` | none | field under the caret, or null |
| ` + "`Document.canInsertField`" + ` | field type | bool |
| ` + "`Document.convert`" + ` | field ids, field type, note types | null |
| ` + "`Document.displayAlert`" + ` | text, icon, buttons | pressed button |
| ` + "`Document.activate`" + ` | none | null |
| ` + "`Document.cleanup`" + ` | none | null |
| ` + "`Document.complete`" + ` | none | ends the session |

## Field commands

Every field command takes the field id first.

| Command | Extra arguments | Result |
|---|---|---|
| ` + "`Field.getText`" + ` / ` + "`Field.setText`" + ` | text, isRich | string / null |
| ` + "`Field.getCode`" + ` / ` + "`Field.setCode`" + ` | code | string / null |
| ` + "`Field.getNoteIndex`" + ` | none | 0 for body, else note number |
| ` + "`Field.delete`" + ` / ` + "`Field.removeCode`" + ` / ` + "`Field.select`" + ` | none | null |
| ` + "`Field.equals`" + ` | other field id | bool |

## Field objects

` + "```" + `json
{"id": "…", "code": "ADDIN ZOTERO_ITEM CSL_CITATION {…}", "text": "(Doe 2020)", "noteIndex": 0, "adjacent": false}
` + "```" + `

Ids stay stable across transactions until the document changes underneath
the session.

## Errors

Failures come back as the command's value:

` + "```" + `json
{"error": {"kind": "ReconciliationError", "message": "…", "trace": "…"}}
` + "```" + `

Kinds: TransportError, BusyError, UnknownCommand, ReconciliationError,
GatewayFault, InvalidArguments, NotFound, InternalError.
`
