// Package script compiles workflow scripts into immutable step graphs.
//
// Scripts are line oriented: one statement per line, keywords are
// case-insensitive and comments start with ' or REM. Blocks (IF, SWITCH,
// PARALLEL, WHEN) nest and must be closed. Compile never has side effects,
// so definitions can be compiled ahead of time and cached in a Registry.
//
//	ORCHESTRATE WORKFLOW "order-processing"
//	  STEP 1: BOT "fraud-detector" "score order ${order_id}"
//	  STEP 2: PARALLEL
//	    BRANCH inventory: BOT "inventory" "reserve items"
//	    BRANCH billing: BOT "billing" "charge card"
//	  END PARALLEL
//	  STEP 3: HUMAN APPROVAL FROM "security@example.com" TIMEOUT 900 ON TIMEOUT: REJECT ORDER
//	END WORKFLOW
package script
