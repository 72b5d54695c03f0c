// Package sqlacc is a data-access runtime that stays close to the SQL you already write. Statements are templates whose markers live inside SQL comments, so every template is also a valid, runnable query: /*@ name */ binds a parameter (the literal after it is a placeholder default), /*# expr */ splices an expression as text, /*% if cond */ … /*% end */ and /*% for v : list */ … /*% end */ build dynamic SQL, and /*!using ns */ imports helper namespaces. Each method is prepared once: its parameters are resolved, the cheapest assembly strategy is chosen (procedure, simple, multiple or dynamic) and result mappers are cached per call site and per (type, shape).
package sqlacc
