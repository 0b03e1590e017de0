/*
Package tools defines the tool contract and the built-in tools the daemon
dispatches to.

Every tool implements Describe (name, description, argument schema,
visibility), Needs (capabilities its provider must offer), Timeout (the
tool-default deadline for a given argument set), and Execute. Simple tools
like chat answer in one provider round-trip. Workflow tools like analyze
carry multi-step state through their continuation id: intermediate steps
record findings without any provider call, and the terminal step, which gets
a doubled deadline, sends the accumulated context upstream.

Tool argument schemas merge tool-specific fields with a common field set
(model, temperature, thinking_mode, images, files, use_websearch,
continuation_id, stream). Schemas are compiled once at startup; invalid
arguments fail as InvalidRequest before any permit is acquired.

The registry applies the configured allow/deny policy: denied tools are
invisible and uncallable, indistinguishable from tools that never existed.
*/
package tools
